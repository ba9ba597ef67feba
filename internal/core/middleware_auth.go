package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"qrcloud/internal/types"
)

// userIDHeader carries the end user an internal service call acts for.
const userIDHeader = "X-User-Id"

// Authenticator decouples the HTTP layer from the token mechanism, allowing
// easy mocking in tests.
type Authenticator interface {
	// ResolveToken returns the Actor for a bearer token, or an AppError with
	// code auth_token_invalid.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// ServiceTokenAuthenticator accepts the single shared token internal services
// present, verified against its bcrypt hash.
type ServiceTokenAuthenticator struct {
	hash []byte
}

// NewServiceTokenAuthenticator returns an authenticator for the given bcrypt
// hash. The hash is validated up front so a bad config fails at startup.
func NewServiceTokenAuthenticator(hash string) (*ServiceTokenAuthenticator, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, errors.New("service token hash is not a bcrypt hash")
	}
	return &ServiceTokenAuthenticator{hash: []byte(hash)}, nil
}

// ResolveToken implements Authenticator.
func (a *ServiceTokenAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid service token", err)
	}
	return &types.Actor{Type: types.ActorTypeService}, nil
}

// AuthMiddleware guards /v1. The Authorization bearer token is resolved
// to an Actor whose ID comes from X-User-Id. Missing or malformed headers
// get 401 auth_token_missing; a rejected token gets 401 auth_token_invalid.
// With no Authenticator configured every request passes.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		actor, authErr := s.authenticate(r)
		if authErr != nil {
			JSON(w, r, http.StatusUnauthorized, errorBody(r, authErr.Code, authErr.Message, nil))
			return
		}
		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), actor)))
	})
}

func (s *Server) authenticate(r *http.Request) (types.Actor, *types.AppError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authorization header is required", nil)
	}
	token := extractBearerToken(header)
	if token == "" {
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil)
	}

	actor, err := s.Authenticator.ResolveToken(r.Context(), token)
	switch {
	case err == nil && actor != nil:
	case err == nil, types.CodeOf(err) == types.ErrCodeAuthTokenInvalid:
		s.Logger.WarnContext(r.Context(), "authentication failed: token invalid",
			slog.String("method", r.Method), slog.String("path", r.URL.Path))
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", err)
	default:
		// The cause is logged, never returned to the caller.
		s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
		return types.Actor{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Authentication failed", err)
	}

	resolved := *actor
	if userID := strings.TrimSpace(r.Header.Get(userIDHeader)); userID != "" {
		resolved.ID = userID
	}
	return resolved, nil
}

// RequireUser guards routes that act on one end user: no Actor is a 401,
// an Actor without an ID is a 400.
func (s *Server) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		switch {
		case !ok:
			JSON(w, r, http.StatusUnauthorized, errorBody(r, types.ErrCodeAuthTokenMissing, "Authentication required", nil))
		case actor.ID == "":
			Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, userIDHeader+" header is required", nil))
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// extractBearerToken returns the token of "Bearer <token>" with the scheme
// matched case-insensitively (RFC 7235), or "".
func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
