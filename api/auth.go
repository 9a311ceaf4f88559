package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultTokenTTL = 12 * time.Hour
	clockLeeway     = time.Minute
)

var errSecretRequired = errors.New("session token secret is required")

// SessionAuth signs and verifies the HS256 tokens that identify a board. The
// token subject is the session id.
type SessionAuth struct {
	Issuer string

	secret []byte
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

// NewSessionAuth creates a token authority. A non-positive ttl falls back to
// twelve hours.
func NewSessionAuth(secret []byte, ttl time.Duration, issuer string) (*SessionAuth, error) {
	if len(secret) == 0 {
		return nil, errSecretRequired
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &SessionAuth{
		Issuer: issuer,
		secret: secret,
		ttl:    ttl,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation()),
		now:    time.Now,
	}, nil
}

// Issue returns a signed token for the session.
func (a *SessionAuth) Issue(sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("missing session id")
	}
	now := a.now()
	claims := jwt.MapClaims{
		"sub": sessionID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(a.ttl).Unix(),
	}
	if a.Issuer != "" {
		claims["iss"] = a.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// SessionIDFromAuthHeader extracts the session id from the Authorization header.
func (a *SessionAuth) SessionIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	token, err := bearerTokenFromString(h)
	if err != nil {
		return "", err
	}
	return a.SessionIDFromBearer(token)
}

// SessionIDFromBearer validates a raw bearer token and returns its subject.
func (a *SessionAuth) SessionIDFromBearer(token []byte) (string, error) {
	if len(token) == 0 {
		return "", errBadAuthorization
	}

	parsed, err := a.parser.Parse(readOnlyString(token), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := a.now()
	if !claims.VerifyExpiresAt(now.Unix(), true) {
		return "", errors.New("token expired")
	}
	ahead := now.Add(clockLeeway).Unix()
	if !claims.VerifyNotBefore(ahead, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(ahead, false) {
		return "", errors.New("token used before issued")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}
