package httphandler

import (
	"context"
	"net/http"

	"notification-service/pkg/jwtutil"
	"notification-service/pkg/response"

	"go.uber.org/zap"
)

type contextKey string

const (
	ContextUserID contextKey = "user_id"
	ContextRole   contextKey = "role"
	ContextDevice contextKey = "device"
)

// Auth verifies the bearer token and stashes its claims in the request
// context.
func Auth(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := jwtutil.ExtractToken(r)
			if token == "" {
				response.Error(w, http.StatusUnauthorized, "missing token")
				return
			}
			claims, err := jwtutil.Verify(secret, token)
			if err != nil {
				logger.Debug("token rejected", zap.Error(err))
				response.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ContextUserID, claims.UserID)
			ctx = context.WithValue(ctx, ContextRole, claims.Role)
			ctx = context.WithValue(ctx, ContextDevice, claims.Device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole gates a subtree to the given roles. Must run after Auth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := allowed[Role(r.Context())]; !ok {
				response.Error(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func UserID(ctx context.Context) string {
	v, _ := ctx.Value(ContextUserID).(string)
	return v
}

func Role(ctx context.Context) string {
	v, _ := ctx.Value(ContextRole).(string)
	return v
}

func Device(ctx context.Context) string {
	v, _ := ctx.Value(ContextDevice).(string)
	return v
}
