// Package adapter contains the interfaces to be implemented by the database adapter.
package adapter

import (
	"encoding/json"
	"time"

	t "github.com/converse-im/converse/server/store/types"
)

// Adapter is the interface that must be implemented by a database
// adapter. The current schema supports a single connection by database type.
type Adapter interface {
	// General

	// Open and configure the adapter.
	Open(config json.RawMessage) error
	// Close the adapter.
	Close() error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// GetDbVersion returns current database version.
	GetDbVersion() (int, error)
	// CheckDbVersion checks if the actual database version matches adapter version.
	CheckDbVersion() error
	// GetName returns the name of the adapter.
	GetName() string
	// SetMaxResults configures how many results can be returned in a single DB call.
	SetMaxResults(val int) error
	// CreateDb creates the database optionally dropping an existing database first.
	CreateDb(reset bool) error
	// Version returns adapter version.
	Version() int
	// Stats returns a DB connection stats object.
	Stats() any

	// User management

	// UserGet returns the record for the given user id, nil if no such
	// record exists.
	UserGet(uid t.Uid) (*t.User, error)
	// UserGetAll returns user records for the given list of user ids.
	UserGetAll(ids ...t.Uid) ([]t.User, error)
	// UserUpdateLastSeen records the given time as the user's last activity.
	UserUpdateLastSeen(uid t.Uid, when time.Time) error

	// Dialog management

	// DialogCreate creates a dialog record.
	DialogCreate(dialog *t.Dialog) error
	// DialogGet returns a dialog record by id, nil if no such record exists.
	DialogGet(id t.Uid) (*t.Dialog, error)
	// DialogsForUser returns dialogs the given user participates in,
	// most recently updated first.
	DialogsForUser(uid t.Uid) ([]t.Dialog, error)
	// DialogDelete deletes a dialog and all its messages.
	DialogDelete(id t.Uid) error

	// Message management

	// MessageSave saves a message record.
	MessageSave(msg *t.Message) error
	// MessageGet returns a message record by id, nil if no such record exists.
	MessageGet(id t.Uid) (*t.Message, error)
	// MessagesForDialog returns messages of the given dialog in creation order.
	MessagesForDialog(dialog t.Uid) ([]t.Message, error)
	// MessageDelete hard-deletes a message record.
	MessageDelete(id t.Uid) error
}
