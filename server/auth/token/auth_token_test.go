package token

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converse-im/converse/server/auth"
	"github.com/converse-im/converse/server/store/types"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestResolver(t *testing.T, issuer string) *resolver {
	t.Helper()
	conf, err := json.Marshal(map[string]string{
		"key":    base64.StdEncoding.EncodeToString(testKey),
		"issuer": issuer,
	})
	require.NoError(t, err)

	r := &resolver{}
	require.NoError(t, r.Init(conf, "token"))
	return r
}

func signToken(t *testing.T, key []byte, cl claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestInitRejectsShortKey(t *testing.T) {
	r := &resolver{}
	conf := []byte(`{"key": "` + base64.StdEncoding.EncodeToString([]byte("short")) + `"}`)
	assert.Error(t, r.Init(conf, "token"))
}

func TestAuthenticate(t *testing.T) {
	r := newTestResolver(t, "converse")

	uid := types.Uid(424242)
	secret := signToken(t, testKey, claims{
		UserID: uid.String(),
		Name:   "Alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "converse",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	rec, err := r.Authenticate([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, uid, rec.Uid)
	assert.Equal(t, "Alice", rec.Public)
	assert.False(t, rec.Expires.IsZero())
}

func TestAuthenticateExpired(t *testing.T) {
	r := newTestResolver(t, "")

	secret := signToken(t, testKey, claims{
		UserID: types.Uid(424242).String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := r.Authenticate([]byte(secret))
	assert.Equal(t, auth.ErrExpired, err)
}

func TestAuthenticateWrongKey(t *testing.T) {
	r := newTestResolver(t, "")

	secret := signToken(t, []byte("ffffffffffffffffffffffffffffffff"), claims{
		UserID: types.Uid(424242).String(),
	})

	_, err := r.Authenticate([]byte(secret))
	assert.Equal(t, auth.ErrFailed, err)
}

func TestAuthenticateWrongIssuer(t *testing.T) {
	r := newTestResolver(t, "converse")

	secret := signToken(t, testKey, claims{
		UserID: types.Uid(424242).String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "someone else",
		},
	})

	_, err := r.Authenticate([]byte(secret))
	assert.Equal(t, auth.ErrFailed, err)
}

func TestAuthenticateGarbage(t *testing.T) {
	r := newTestResolver(t, "")

	_, err := r.Authenticate([]byte("not a token at all"))
	assert.Equal(t, auth.ErrFailed, err)

	// Valid signature, useless subject.
	secret := signToken(t, testKey, claims{UserID: "bad"})
	_, err = r.Authenticate([]byte(secret))
	assert.Equal(t, auth.ErrMalformed, err)
}
