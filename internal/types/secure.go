package types

import "log/slog"

const redacted = "[redacted]"

// SecretString holds a credential (Stripe keys, webhook secret, database
// and broker URLs, the service token hash). Every printing path renders it
// as [redacted]; Unmask returns the plaintext.
type SecretString string

func (s SecretString) String() string { return redacted }

// GoString covers %#v.
func (s SecretString) GoString() string { return redacted }

// LogValue keeps secrets out of slog output, including nested groups.
func (s SecretString) LogValue() slog.Value { return slog.StringValue(redacted) }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// IsSet reports whether a value was configured.
func (s SecretString) IsSet() bool { return s != "" }

// Unmask returns the plaintext. Call it only where the value is handed to a
// client or driver.
func (s SecretString) Unmask() string { return string(s) }
