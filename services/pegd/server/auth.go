package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"pegkeeper/services/pegd/controller"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// AuthConfig configures caller authentication.
type AuthConfig struct {
	// OwnerToken and TimelockToken are static bearer tokens for the governance roles.
	// OwnerAddress is used until an owner lookup is installed with WithOwnerLookup.
	OwnerToken    string
	OwnerAddress  common.Address
	TimelockToken string
	TimelockAddr  common.Address
	// JWTSecret signs HS256 tokens for users and AMOs. The subject is the caller address
	// and the "role" claim selects user (default) or amo.
	JWTSecret string
	Issuer    string
	ClockSkew time.Duration
}

type principalKey struct{}

// Authenticator resolves the principal behind a request.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	owner  func() common.Address
}

// NewAuthenticator constructs an authenticator.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.JWTSecret))}
}

// WithOwnerLookup makes the owner token act for whichever address holds the owner role,
// so the token keeps working after an ownership transfer.
func (a *Authenticator) WithOwnerLookup(lookup func() common.Address) *Authenticator {
	a.owner = lookup
	return a
}

func (a *Authenticator) ownerAddress() common.Address {
	if a.owner != nil {
		return a.owner()
	}
	return a.cfg.OwnerAddress
}

// Middleware rejects unauthenticated requests and stores the principal in the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Resolve(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

// Resolve maps the bearer token to a principal.
func (a *Authenticator) Resolve(r *http.Request) (controller.Principal, error) {
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return controller.Principal{}, errMissingToken
	}
	if matches(token, a.cfg.OwnerToken) {
		return controller.Owner(a.ownerAddress()), nil
	}
	if matches(token, a.cfg.TimelockToken) {
		return controller.Timelock(a.cfg.TimelockAddr), nil
	}
	claims, err := a.parseToken(token)
	if err != nil {
		return controller.Principal{}, errInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if !common.IsHexAddress(sub) {
		return controller.Principal{}, errInvalidToken
	}
	role := controller.RoleUser
	if raw, ok := claims["role"].(string); ok {
		parsed, err := controller.ParseRole(raw)
		if err != nil {
			return controller.Principal{}, errInvalidToken
		}
		role = parsed
	}
	// Governance roles are only granted through the static tokens.
	if role == controller.RoleOwner || role == controller.RoleTimelock {
		return controller.Principal{}, errInvalidToken
	}
	return controller.Principal{Role: role, Address: common.HexToAddress(sub)}, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

// IssueToken signs a token for addr. It backs operator tooling and tests.
func IssueToken(secret, issuer string, role controller.Role, addr common.Address, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":  addr.Hex(),
		"role": role.String(),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func principalFrom(ctx context.Context) (controller.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(controller.Principal)
	return p, ok
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func matches(token, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}
