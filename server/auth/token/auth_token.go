// Package token resolves bearer credentials locally: the credential is a JWT
// signed by the account service with a key this server shares.
package token

import (
	"encoding/json"
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/converse-im/converse/server/auth"
	"github.com/converse-im/converse/server/store/types"
)

// resolver is the singleton registered with the auth package.
type resolver struct {
	name   string
	key    []byte
	issuer string
}

// claims is the payload the account service puts into issued tokens.
type claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Init initializes the resolver.
func (r *resolver) Init(jsonconf json.RawMessage, name string) error {
	if r.name != "" {
		return errors.New("auth_token: already initialized as " + r.name + "; " + name)
	}

	type configType struct {
		// Shared HMAC key, base64 in the config file.
		Key []byte `json:"key"`
		// Expected token issuer. Empty means not checked.
		Issuer string `json:"issuer"`
	}

	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("auth_token: failed to parse config: " + err.Error())
	}

	if len(config.Key) < 32 {
		return errors.New("auth_token: the key is missing or too short")
	}

	r.name = name
	r.key = config.Key
	r.issuer = config.Issuer

	return nil
}

// Authenticate parses and validates the signature and expiration of a JWT
// credential and converts its claims to an identity record.
func (r *resolver) Authenticate(secret []byte) (*auth.Rec, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	var cl claims
	token, err := parser.ParseWithClaims(string(secret), &cl, func(*jwt.Token) (any, error) {
		return r.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, auth.ErrExpired
		}
		return nil, auth.ErrFailed
	}
	if !token.Valid {
		return nil, auth.ErrFailed
	}

	if r.issuer != "" && cl.Issuer != r.issuer {
		return nil, auth.ErrFailed
	}

	uid := types.ParseUid(cl.UserID)
	if uid.IsZero() {
		return nil, auth.ErrMalformed
	}

	rec := &auth.Rec{Uid: uid, Public: cl.Name}
	if cl.ExpiresAt != nil {
		rec.Expires = cl.ExpiresAt.Time
	}
	return rec, nil
}

func init() {
	auth.Register("token", &resolver{})
}
