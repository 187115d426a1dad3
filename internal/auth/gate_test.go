package auth

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlpoint/internal/ir"
	"github.com/roach88/sqlpoint/internal/testutil"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func hmacGate(t *testing.T, cfg Config) (*Gate, *testutil.ManualClock) {
	t.Helper()
	if cfg.Algorithm == "" {
		cfg.Algorithm = "HS256"
	}
	if cfg.Secret == nil {
		cfg.Secret = []byte("0123456789abcdef0123456789abcdef")
	}
	clock := testutil.NewManualClock(epoch)
	g, err := NewGate(cfg, WithClock(clock), WithIDGenerator(testutil.NewSequenceIDs("jti").Next))
	require.NoError(t, err)
	return g, clock
}

func pemBlock(t *testing.T, typ string, der []byte) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
}

func keyPair(t *testing.T, priv any, pub any) (encoding, decoding []byte) {
	t.Helper()
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pemBlock(t, "PRIVATE KEY", privDER), pemBlock(t, "PUBLIC KEY", pubDER)
}

func TestIssueAndVerifyHMAC(t *testing.T) {
	g, _ := hmacGate(t, Config{})

	token, err := g.Issue(ir.Row{"id": int64(42), "email": "a@example.com"}, 0)
	require.NoError(t, err)

	sub, err := g.Verify(token, 0)
	require.NoError(t, err)
	assert.Equal(t, "42", sub)

	var claims jwt.RegisteredClaims
	_, _, err = jwt.NewParser().ParseUnverified(token, &claims)
	require.NoError(t, err)
	assert.Equal(t, "jti-1", claims.ID)
	assert.Equal(t, epoch, claims.IssuedAt.Time.UTC())
	assert.Equal(t, epoch.Add(DefaultTokenLifetime), claims.ExpiresAt.Time.UTC())
}

func TestIssueDeterministic(t *testing.T) {
	g1, _ := hmacGate(t, Config{})
	g2, _ := hmacGate(t, Config{})

	a, err := g1.Issue(ir.Row{"id": "u1"}, time.Hour)
	require.NoError(t, err)
	b, err := g2.Issue(ir.Row{"id": "u1"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAsymmetricAlgorithms(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	rsaEnc, rsaDec := keyPair(t, rsaKey, &rsaKey.PublicKey)
	ecEnc, ecDec := keyPair(t, ecKey, &ecKey.PublicKey)
	edEnc, edDec := keyPair(t, edPriv, edPub)

	tests := []struct {
		alg      string
		enc, dec []byte
	}{
		{"RS256", rsaEnc, rsaDec},
		{"PS384", rsaEnc, rsaDec},
		{"ES256", ecEnc, ecDec},
		{"EdDSA", edEnc, edDec},
		{"EdDSA", edEnc, nil}, // public key derived
	}

	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			g, err := NewGate(Config{Algorithm: tt.alg, EncodingKey: tt.enc, DecodingKey: tt.dec})
			require.NoError(t, err)
			assert.True(t, g.CanIssue())
			assert.Equal(t, tt.alg, g.Algorithm())

			token, err := g.Issue(ir.Row{"user_id": "u-7"}, time.Minute)
			require.NoError(t, err)

			sub, err := g.Verify(token, 0)
			require.NoError(t, err)
			assert.Equal(t, "u-7", sub)
		})
	}

	t.Run("verify only", func(t *testing.T) {
		g, err := NewGate(Config{Algorithm: "EdDSA", DecodingKey: edDec})
		require.NoError(t, err)
		assert.False(t, g.CanIssue())
		_, err = g.Issue(ir.Row{"id": "x"}, 0)
		assert.ErrorContains(t, err, "no encoding key")
	})
}

func TestNewGateErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		msg  string
	}{
		{"unknown algorithm", Config{Algorithm: "XX999"}, "unsupported algorithm"},
		{"none", Config{Algorithm: "none"}, "unsupported algorithm"},
		{"missing secret", Config{Algorithm: "HS256"}, "requires a secret"},
		{"missing public key", Config{Algorithm: "RS256"}, "decoding key required"},
		{"garbage key", Config{Algorithm: "ES256", DecodingKey: []byte("not pem")}, "decoding key"},
		{"bad subject path", Config{Algorithm: "HS256", Secret: []byte("k"), SubjectPath: "$.a["}, "subject path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGate(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestVerifyFailures(t *testing.T) {
	g, clock := hmacGate(t, Config{})
	token, err := g.Issue(ir.Row{"id": "u1"}, time.Hour)
	require.NoError(t, err)

	other, _ := hmacGate(t, Config{Secret: []byte("another-secret-another-secret-00")})
	foreign, err := other.Issue(ir.Row{"id": "u1"}, time.Hour)
	require.NoError(t, err)

	hs384, _ := hmacGate(t, Config{Algorithm: "HS384"})
	wrongAlg, err := hs384.Issue(ir.Row{"id": "u1"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		kind  Kind
	}{
		{"missing", "", KindMissing},
		{"garbage", "not.a.token", KindInvalid},
		{"tampered", token[:len(token)-2] + "xx", KindInvalid},
		{"foreign signature", foreign, KindInvalid},
		{"wrong algorithm", wrongAlg, KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Verify(tt.token, 0)
			ae, ok := AsError(err)
			require.True(t, ok, "want *Error, got %v", err)
			assert.Equal(t, tt.kind, ae.Kind)
		})
	}

	t.Run("expired", func(t *testing.T) {
		clock.Advance(time.Hour + time.Second)
		defer clock.Set(epoch)

		_, err := g.Verify(token, 0)
		assert.True(t, IsExpired(err))
	})
}

func TestVerifyMaxAge(t *testing.T) {
	g, clock := hmacGate(t, Config{})
	token, err := g.Issue(ir.Row{"id": "u1"}, 7*24*time.Hour)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	sub, err := g.Verify(token, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)

	clock.Advance(time.Hour)
	_, err = g.Verify(token, time.Hour)
	assert.True(t, IsExpired(err))

	// Without a max age the token is still valid.
	_, err = g.Verify(token, 0)
	assert.NoError(t, err)
}

func TestVerifyIssuedInFuture(t *testing.T) {
	g, clock := hmacGate(t, Config{})
	clock.Advance(time.Hour)
	token, err := g.Issue(ir.Row{"id": "u1"}, time.Hour)
	require.NoError(t, err)

	clock.Set(epoch)
	_, err = g.Verify(token, 0)
	ae, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalid, ae.Kind)
}

func TestSubject(t *testing.T) {
	plain, _ := hmacGate(t, Config{})
	withPath, _ := hmacGate(t, Config{SubjectPath: "$.account.owner"})

	tests := []struct {
		name string
		gate *Gate
		row  ir.Row
		want string
		err  string
	}{
		{"single column", plain, ir.Row{"user_id": int64(9)}, "9", ""},
		{"id column", plain, ir.Row{"id": "abc", "email": "x"}, "abc", ""},
		{"float id", plain, ir.Row{"id": float64(12)}, "12", ""},
		{"bytes", plain, ir.Row{"uid": []byte("raw")}, "raw", ""},
		{"no id", plain, ir.Row{"a": 1, "b": 2}, "", "no subject"},
		{"null", plain, ir.Row{"id": nil}, "", "null"},
		{"empty", plain, ir.Row{"id": ""}, "", "empty"},
		{"unsupported", plain, ir.Row{"id": []int{1}}, "", "unsupported type"},
		{"path", withPath, ir.Row{"id": "ignored", "account": map[string]any{"owner": "o-1"}}, "o-1", ""},
		{"path missing", withPath, ir.Row{"id": "x"}, "", "subject path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.gate.Subject(tt.row)
			if tt.err != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "auth: token missing", newError(KindMissing, nil).Error())
	assert.True(t, strings.HasPrefix(newError(KindInvalid, jwt.ErrTokenMalformed).Error(), "auth: token invalid: "))
	assert.ErrorIs(t, newError(KindInvalid, jwt.ErrTokenMalformed), jwt.ErrTokenMalformed)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	assert.Equal(t, "", TokenFromRequest(r, ""))

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", TokenFromRequest(r, ""))

	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	assert.Equal(t, "", TokenFromRequest(r, ""))

	r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "from-cookie"})
	r.Header.Set("Authorization", "Bearer other")
	assert.Equal(t, "from-cookie", TokenFromRequest(r, ""))
	assert.Equal(t, "other", TokenFromRequest(r, "custom"))
}
