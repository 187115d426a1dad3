// Package auth verifies and issues the signed tokens that guard endpoints.
//
// A Gate holds one signing algorithm and its key material. Endpoints in
// verify mode call Verify with the presented token and get back the subject;
// endpoints in issue mode call Issue with the row their query produced.
package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/roach88/sqlpoint/internal/ir"
)

// DefaultTokenLifetime applies when neither the endpoint nor the
// configuration sets one.
const DefaultTokenLifetime = 24 * time.Hour

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config is the key material and policy of a Gate.
type Config struct {
	// Algorithm is a JWS algorithm name: HS256/384/512, RS256/384/512,
	// PS256/384/512, ES256/384/512 or EdDSA.
	Algorithm string
	// Secret is the shared key for HS* algorithms.
	Secret []byte
	// DecodingKey is the PEM public key for asymmetric algorithms. If empty
	// it is derived from EncodingKey.
	DecodingKey []byte
	// EncodingKey is the PEM private key. Only needed to issue tokens.
	EncodingKey []byte
	// TokenLifetime is the default lifetime of issued tokens.
	TokenLifetime time.Duration
	// SubjectPath is a JSONPath selecting the subject from an issue row.
	SubjectPath string
}

// Option customizes a Gate.
type Option func(*Gate)

// WithClock replaces the wall clock used for iat, exp and age checks.
func WithClock(c Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithIDGenerator replaces the UUIDv7 token ID generator.
func WithIDGenerator(next func() (string, error)) Option {
	return func(g *Gate) { g.newID = next }
}

type subjectEval func(ctx context.Context, value any) (any, error)

// Gate verifies and issues tokens. It is safe for concurrent use.
type Gate struct {
	method    jwt.SigningMethod
	verifyKey any
	signKey   any
	lifetime  time.Duration
	subject   subjectEval
	clock     Clock
	newID     func() (string, error)
}

// NewGate validates cfg and loads its keys. Malformed keys, an unknown
// algorithm or a bad subject path are errors.
func NewGate(cfg Config, opts ...Option) (*Gate, error) {
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if method == nil {
		return nil, fmt.Errorf("unsupported algorithm %q", cfg.Algorithm)
	}

	g := &Gate{
		method:   method,
		lifetime: cfg.TokenLifetime,
		clock:    systemClock{},
		newID:    newUUIDv7,
	}
	if g.lifetime <= 0 {
		g.lifetime = DefaultTokenLifetime
	}

	var err error
	switch method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(cfg.Secret) == 0 {
			return nil, fmt.Errorf("%s requires a secret", cfg.Algorithm)
		}
		g.verifyKey, g.signKey = cfg.Secret, cfg.Secret
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		g.verifyKey, g.signKey, err = loadKeys(cfg, jwt.ParseRSAPublicKeyFromPEM, jwt.ParseRSAPrivateKeyFromPEM)
	case *jwt.SigningMethodECDSA:
		g.verifyKey, g.signKey, err = loadKeys(cfg, jwt.ParseECPublicKeyFromPEM, jwt.ParseECPrivateKeyFromPEM)
	case *jwt.SigningMethodEd25519:
		g.verifyKey, g.signKey, err = loadKeys(cfg, jwt.ParseEdPublicKeyFromPEM, jwt.ParseEdPrivateKeyFromPEM)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", cfg.Algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("%s keys: %w", cfg.Algorithm, err)
	}

	if cfg.SubjectPath != "" {
		eval, err := jsonpath.New(cfg.SubjectPath)
		if err != nil {
			return nil, fmt.Errorf("subject path %q: %w", cfg.SubjectPath, err)
		}
		g.subject = subjectEval(eval)
	}

	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// loadKeys parses the PEM pair. A missing public key is derived from the
// private one.
func loadKeys[Pub, Priv any](
	cfg Config,
	parsePub func([]byte) (Pub, error),
	parsePriv func([]byte) (Priv, error),
) (verify, sign any, err error) {
	if len(cfg.EncodingKey) > 0 {
		priv, err := parsePriv(cfg.EncodingKey)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding key: %w", err)
		}
		sign = priv
	}

	switch {
	case len(cfg.DecodingKey) > 0:
		pub, err := parsePub(cfg.DecodingKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding key: %w", err)
		}
		verify = pub
	case sign != nil:
		signer, ok := sign.(crypto.Signer)
		if !ok {
			return nil, nil, errors.New("encoding key cannot derive a public key")
		}
		verify = signer.Public()
	default:
		return nil, nil, errors.New("decoding key required")
	}
	return verify, sign, nil
}

// Algorithm returns the configured algorithm name.
func (g *Gate) Algorithm() string {
	return g.method.Alg()
}

// CanIssue reports whether the gate holds a signing key.
func (g *Gate) CanIssue() bool {
	return g.signKey != nil
}

// Verify checks token and returns its subject. maxAge, when positive,
// rejects tokens issued longer ago than that even if not yet expired.
// Failures are *Error.
func (g *Gate) Verify(token string, maxAge time.Duration) (string, error) {
	if token == "" {
		return "", newError(KindMissing, nil)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{g.method.Alg()}),
		jwt.WithTimeFunc(g.clock.Now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)

	var claims jwt.RegisteredClaims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return g.verifyKey, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", newError(KindExpired, err)
	case err != nil:
		return "", newError(KindInvalid, err)
	}

	if claims.Subject == "" {
		return "", newError(KindInvalid, errors.New("token has no subject"))
	}
	if maxAge > 0 {
		if claims.IssuedAt == nil {
			return "", newError(KindInvalid, errors.New("token has no issue time"))
		}
		if age := g.clock.Now().Sub(claims.IssuedAt.Time); age > maxAge {
			return "", newError(KindExpired, fmt.Errorf("token age %s exceeds %s", age.Truncate(time.Second), maxAge))
		}
	}
	return claims.Subject, nil
}

// Issue signs a token for the subject found in row. A non-positive lifetime
// uses the configured default.
func (g *Gate) Issue(row ir.Row, lifetime time.Duration) (string, error) {
	if g.signKey == nil {
		return "", fmt.Errorf("%s gate has no encoding key", g.method.Alg())
	}
	sub, err := g.Subject(row)
	if err != nil {
		return "", err
	}
	jti, err := g.newID()
	if err != nil {
		return "", fmt.Errorf("token id: %w", err)
	}
	if lifetime <= 0 {
		lifetime = g.lifetime
	}

	now := g.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		ID:        jti,
	}
	signed, err := jwt.NewWithClaims(g.method, claims).SignedString(g.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Subject selects the token subject from an issue row: the subject path if
// configured, else the only column, else the id column.
func (g *Gate) Subject(row ir.Row) (string, error) {
	var v any
	switch {
	case g.subject != nil:
		got, err := g.subject(context.Background(), map[string]any(row))
		if err != nil {
			return "", fmt.Errorf("subject path: %w", err)
		}
		v = got
	case len(row) == 1:
		for _, only := range row {
			v = only
		}
	default:
		id, ok := row["id"]
		if !ok {
			return "", errors.New("row has no subject: expected a single column or an id column")
		}
		v = id
	}
	return subjectString(v)
}

func subjectString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", errors.New("subject is null")
	case string:
		if x == "" {
			return "", errors.New("subject is empty")
		}
		return x, nil
	case []byte:
		return subjectString(string(x))
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return "", fmt.Errorf("subject has unsupported type %T", v)
	}
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
