package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Roles in the static authorization matrix.
const (
	RoleAdmin      = "admin"
	RoleMaintainer = "maintainer"
	RoleAuditor    = "auditor"
	RoleReader     = "reader"
)

// Actions an identity may be authorized for.
const (
	ActionInstall   = "install"
	ActionUninstall = "uninstall"
	ActionPack      = "pack"
	ActionVerify    = "verify"
)

// Identity is a verified caller.
type Identity struct {
	Subject string
	Role    string
}

// AuthError reports a failed authentication. It is not retryable without
// different credentials.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// Authenticator verifies a caller-supplied credential.
type Authenticator interface {
	Authenticate(credential string) (Identity, error)
}

// DevMode accepts any credential and assigns a fixed role. It must be
// explicitly enabled in configuration; construction is the caller's
// auditable opt-in, never a silent default.
type DevMode struct {
	Role string
}

func NewDevMode(role string) (*DevMode, error) {
	if !knownRole(role) {
		return nil, fmt.Errorf("dev mode role %q is not a known role", role)
	}
	return &DevMode{Role: role}, nil
}

func (d *DevMode) Authenticate(credential string) (Identity, error) {
	subject := credential
	if subject == "" {
		subject = "dev"
	}
	return Identity{Subject: subject, Role: d.Role}, nil
}

// TokenAuth verifies keyed-MAC tokens: HS256 JWTs carrying subject and
// role claims, signed with a shared secret.
type TokenAuth struct {
	secret []byte
}

func NewTokenAuth(secret []byte) (*TokenAuth, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token auth requires a shared secret")
	}
	return &TokenAuth{secret: secret}, nil
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (t *TokenAuth) Authenticate(credential string) (Identity, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return Identity{}, &AuthError{Reason: err.Error()}
	}
	if !token.Valid {
		return Identity{}, &AuthError{Reason: "token is not valid"}
	}
	if claims.Subject == "" {
		return Identity{}, &AuthError{Reason: "token has no subject"}
	}
	if !knownRole(claims.Role) {
		return Identity{}, &AuthError{Reason: fmt.Sprintf("token role %q is not a known role", claims.Role)}
	}
	return Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// IssueToken mints a keyed-MAC token for a subject and role. Exposed for
// operators provisioning callers and for tests.
func (t *TokenAuth) IssueToken(subject, role string) (string, error) {
	if !knownRole(role) {
		return "", fmt.Errorf("role %q is not a known role", role)
	}
	claims := &tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: subject,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// roleActions is the static role to action matrix. Absent combinations
// are denied.
var roleActions = map[string]map[string]bool{
	RoleAdmin: {
		ActionInstall:   true,
		ActionUninstall: true,
		ActionPack:      true,
		ActionVerify:    true,
	},
	RoleMaintainer: {
		ActionInstall:   true,
		ActionUninstall: true,
		ActionPack:      true,
		ActionVerify:    true,
	},
	RoleAuditor: {
		ActionVerify: true,
	},
	RoleReader: {},
}

func knownRole(role string) bool {
	_, ok := roleActions[role]
	return ok
}

// Authorize is a pure lookup into the role matrix. Denial is the default
// for every unmapped combination.
func Authorize(identity Identity, action string) bool {
	actions, ok := roleActions[identity.Role]
	if !ok {
		return false
	}
	return actions[action]
}
