package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"calsync/internal/access"
	appLog "calsync/internal/log"
)

// Claims is the bearer token payload. Permissions holds per-user
// overrides of the role defaults.
type Claims struct {
	CompanyID   string          `json:"company_id"`
	Role        string          `json:"role"`
	Permissions map[string]bool `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		appLog.Warn("JWT secret is empty; all API requests will be rejected")
	}
	return &Authenticator{secret: []byte(secret)}
}

type principalKey struct{}

// PrincipalFrom returns the caller attached by Require, or nil.
func PrincipalFrom(ctx context.Context) *access.Principal {
	p, _ := ctx.Value(principalKey{}).(*access.Principal)
	return p
}

// Issue signs a token for p. It backs the -issue-token flag and tests.
func (a *Authenticator) Issue(p access.Principal, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	perms := make(map[string]bool, len(p.Overrides))
	for k, v := range p.Overrides {
		perms[string(k)] = v
	}
	now := time.Now()
	claims := Claims{
		CompanyID:   p.CompanyID.String(),
		Role:        string(p.Role),
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate parses the Authorization header into a principal.
func (a *Authenticator) Authenticate(r *http.Request) (*access.Principal, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("authentication is not configured")
	}
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, errors.New("missing bearer token")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(parts[1], &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, errors.New("token subject is not a user id")
	}
	companyID, err := uuid.Parse(claims.CompanyID)
	if err != nil {
		return nil, errors.New("token has no company")
	}
	overrides := make(map[access.Permission]bool, len(claims.Permissions))
	for k, v := range claims.Permissions {
		overrides[access.Permission(k)] = v
	}
	return &access.Principal{
		UserID:    userID,
		CompanyID: companyID,
		Role:      access.ParseRole(claims.Role),
		Overrides: overrides,
	}, nil
}

// Require authenticates the request and checks perm before calling next.
func (a *Authenticator) Require(perm access.Permission, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		p, err := a.Authenticate(r)
		if err != nil {
			appLog.Debug("rejected request", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !p.Can(perm) {
			writeError(w, http.StatusForbidden, "permission denied: "+string(perm))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)), ps)
	}
}
