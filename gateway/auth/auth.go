// Package auth issues and verifies the HS256 bearer tokens that carry a
// marketplace principal. The token subject is the caller's bech32 address.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrowmarket/crypto"
)

const (
	defaultClockSkew = 2 * time.Minute
	maxClockSkew     = 10 * time.Minute
	// MinSecretLength mirrors the configuration floor for HMAC secrets.
	MinSecretLength = 32
)

var (
	ErrMissingToken   = errors.New("auth: bearer token required")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrInvalidSubject = errors.New("auth: token subject is not a marketplace address")
	ErrWeakSecret     = fmt.Errorf("auth: hmac secret must be at least %d bytes", MinSecretLength)
)

// Config describes the token parameters shared by the issuer and the
// verifier.
type Config struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

func (c Config) normalised() (Config, error) {
	c.HMACSecret = strings.TrimSpace(c.HMACSecret)
	c.Issuer = strings.TrimSpace(c.Issuer)
	c.Audience = strings.TrimSpace(c.Audience)
	if len(c.HMACSecret) < MinSecretLength {
		return Config{}, ErrWeakSecret
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaultClockSkew
	}
	if c.ClockSkew > maxClockSkew {
		c.ClockSkew = maxClockSkew
	}
	return c, nil
}

// Verifier validates bearer tokens and resolves their principal.
type Verifier struct {
	cfg    Config
	secret []byte
	now    func() time.Time
}

// NewVerifier constructs a verifier. The secret must meet MinSecretLength.
func NewVerifier(cfg Config) (*Verifier, error) {
	normalised, err := cfg.normalised()
	if err != nil {
		return nil, err
	}
	return &Verifier{cfg: normalised, secret: []byte(normalised.HMACSecret), now: time.Now}, nil
}

// Verify parses the token and returns the raw principal named by its subject.
func (v *Verifier) Verify(tokenString string) ([20]byte, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return [20]byte{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return [20]byte{}, ErrInvalidToken
	}
	principal, err := crypto.ParsePrincipal(claims.Subject)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	return principal, nil
}

// Issue mints a token for subject valid for ttl from now.
func Issue(cfg Config, subject string, ttl time.Duration, now time.Time) (string, error) {
	normalised, err := cfg.normalised()
	if err != nil {
		return "", err
	}
	if _, err := crypto.ParsePrincipal(subject); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("auth: token ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   strings.TrimSpace(subject),
		Issuer:    normalised.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if normalised.Audience != "" {
		claims.Audience = jwt.ClaimStrings{normalised.Audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(normalised.HMACSecret))
}

// ExtractBearer returns the token portion of an Authorization header.
func ExtractBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
