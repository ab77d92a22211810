package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/AaronLay10/SentientNarrative/internal/config"
)

// Role represents an authorization role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

// authConfig holds the credentials the transport accepts.
type authConfig struct {
	adminUser    string
	adminPass    string
	operatorUser string
	operatorPass string
	enabled      bool
}

var auth *authConfig

// InitAuth loads credentials from NARRATIVE_ADMIN_USER/PASS and
// NARRATIVE_OPERATOR_USER/PASS (or their *_FILE variants). Without admin
// credentials authentication is disabled.
func InitAuth() error {
	adminUser, adminPass, err := config.Credentials("NARRATIVE_ADMIN")
	if err != nil {
		return fmt.Errorf("failed to resolve admin credentials: %w", err)
	}
	operatorUser, operatorPass, err := config.Credentials("NARRATIVE_OPERATOR")
	if err != nil {
		return fmt.Errorf("failed to resolve operator credentials: %w", err)
	}

	auth = &authConfig{
		adminUser:    adminUser,
		adminPass:    adminPass,
		operatorUser: operatorUser,
		operatorPass: operatorPass,
		enabled:      adminUser != "",
	}
	return nil
}

// IsAuthEnabled returns true if authentication is configured.
func IsAuthEnabled() bool {
	return auth != nil && auth.enabled
}

// authenticate checks basic auth credentials and returns the role if valid.
// Returns empty string if credentials are invalid.
func authenticate(r *http.Request) Role {
	if auth == nil || !auth.enabled {
		return RoleAdmin
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return ""
	}
	if secureCompare(user, auth.adminUser) && secureCompare(pass, auth.adminPass) {
		return RoleAdmin
	}
	if auth.operatorUser != "" &&
		secureCompare(user, auth.operatorUser) && secureCompare(pass, auth.operatorPass) {
		return RoleOperator
	}
	return ""
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requireAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="Narrative Engine"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// RequireRole is middleware admitting only the given roles.
func RequireRole(allowed ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := authenticate(r)
			if role == "" {
				requireAuth(w)
				return
			}
			for _, a := range allowed {
				if role == a {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}

// RequireAnyRole admits admins and operators.
func RequireAnyRole(next http.Handler) http.Handler {
	return RequireRole(RoleAdmin, RoleOperator)(next)
}

// RequireAdmin admits admins only.
func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole(RoleAdmin)(next)
}
