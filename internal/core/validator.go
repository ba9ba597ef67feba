package core

import (
	"errors"
	"log/slog"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"qrcloud/internal/types"
)

// ValidationError describes one failed field rule.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator with the domain tags:
//
//   - stripe_price: a Stripe price id ("price_...").
//   - redirect_url: an absolute http(s) URL, used for checkout and portal
//     return URLs.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags. Field names
// in errors use the json tag.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	// Registration only fails on programmer error (empty tag).
	_ = v.RegisterValidation("stripe_price", validateStripePrice)
	_ = v.RegisterValidation("redirect_url", validateRedirectURL)

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s and returns an *types.AppError whose code is
// derived from the first failing rule. Every failure is listed under the
// "validation_errors" detail.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	details := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, ValidationError{
			Field:   fe.Field(),
			Code:    tagToErrorCode(fe.Tag()),
			Message: fieldMessage(fe),
		})
	}

	return types.NewAppErrorWithDetails(
		types.ErrorCode(details[0].Code),
		details[0].Message,
		nil,
		map[string]any{"validation_errors": details},
	)
}

func tagToErrorCode(tag string) string {
	switch tag {
	case "required":
		return string(types.ErrCodeValidationMissingField)
	case "stripe_price":
		return string(types.ErrCodeValidationInvalidPrice)
	case "redirect_url", "url":
		return string(types.ErrCodeValidationInvalidURL)
	default:
		return string(types.ErrCodeValidationInvalidBody)
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "stripe_price":
		return fe.Field() + " must be a Stripe price id"
	case "redirect_url", "url":
		return fe.Field() + " must be an absolute http(s) URL"
	default:
		return fe.Field() + " is invalid"
	}
}

func validateStripePrice(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s == "" || (strings.HasPrefix(s, "price_") && len(s) > len("price_"))
}

func validateRedirectURL(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
