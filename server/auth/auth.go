// Package auth defines the interface for resolving a bearer credential into
// a chat principal. Credential issuance (signup, login, verification) lives
// in a separate service; this package only resolves what that service issued.
package auth

import (
	"encoding/json"
	"time"

	"github.com/converse-im/converse/server/store/types"
)

// AuthErr is a structure for reporting an error condition.
type AuthErr string

func (e AuthErr) Error() string {
	return string(e)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = AuthErr("internal")
	// ErrMalformed means the credential cannot be parsed or is otherwise wrong.
	ErrMalformed = AuthErr("malformed")
	// ErrFailed means resolution failed (unknown or revoked credential).
	ErrFailed = AuthErr("failed")
	// ErrExpired means the credential has expired.
	ErrExpired = AuthErr("expired")
	// ErrUnsupported means the operation is not supported.
	ErrUnsupported = AuthErr("unsupported")
)

// Rec is an authentication record: the identity a credential resolved to.
type Rec struct {
	// User id.
	Uid types.Uid `json:"uid,omitempty"`
	// Display name of the user.
	Public string `json:"public,omitempty"`
	// Time when the credential expires. Zero means never.
	Expires time.Time `json:"expires,omitempty"`
}

// Resolver is the interface which credential resolvers must implement.
type Resolver interface {
	// Init initializes the resolver from a JSON config fragment.
	Init(jsonconf json.RawMessage, name string) error

	// Authenticate resolves an opaque bearer credential into an identity
	// record, or fails with one of the AuthErr values.
	Authenticate(secret []byte) (*Rec, error)
}

var resolvers = make(map[string]Resolver)

// Register makes a resolver available by name.
// If Register is called twice with the same name or if the resolver is nil,
// it panics.
func Register(name string, r Resolver) {
	if r == nil {
		panic("auth: Register resolver is nil")
	}
	if _, ok := resolvers[name]; ok {
		panic("auth: resolver '" + name + "' is already registered")
	}
	resolvers[name] = r
}

// Get returns a previously registered resolver or nil.
func Get(name string) Resolver {
	return resolvers[name]
}
