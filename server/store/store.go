// Package store provides methods for registering and accessing database adapters.
package store

import (
	"encoding/json"
	"errors"
	"time"

	adapter "github.com/converse-im/converse/server/db"
	"github.com/converse-im/converse/server/store/types"
)

var adp adapter.Adapter
var availableAdapters = make(map[string]adapter.Adapter)

// Unique ID generator.
var uGen types.UidGenerator

type configType struct {
	// 16-byte key for XTEA. Used to initialize types.UidGenerator.
	UidKey []byte `json:"uid_key"`
	// Maximum number of results to return from adapter.
	MaxResults int `json:"max_results"`
	// DB adapter name to use. Should be one of those specified in `Adapters`.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

func openAdapter(workerId int, jsonconf json.RawMessage) error {
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("store: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	if adp == nil {
		if len(config.UseAdapter) > 0 {
			// Adapter name specified explicitly.
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			// Default to the only entry in availableAdapters.
			for _, v := range availableAdapters {
				adp = v
			}
		} else {
			return errors.New("store: db adapter is not specified. Please set `store_config.use_adapter` in the config file")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	// Initialize snowflake.
	if workerId < 0 || workerId > 1023 {
		return errors.New("store: invalid worker ID")
	}

	if err := uGen.Init(uint(workerId), config.UidKey); err != nil {
		return errors.New("store: failed to init snowflake: " + err.Error())
	}

	if err := adp.SetMaxResults(config.MaxResults); err != nil {
		return err
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	return adp.Open(adapterConfig)
}

// PersistentStorageInterface defines methods used for interaction with persistent storage.
type PersistentStorageInterface interface {
	Open(workerId int, jsonconf json.RawMessage) error
	Close() error
	IsOpen() bool
	GetAdapterName() string
	GetAdapterVersion() int
	GetDbVersion() int
	InitDb(jsonconf json.RawMessage, reset bool) error
	GetUid() types.Uid
	GetUidString() string
	DbStats() func() any
}

// Store is the main object for interacting with persistent storage.
var Store PersistentStorageInterface = storeObj{}

type storeObj struct{}

// Open initializes the persistence system. Adapter holds a connection pool
// for a database instance.
//
//	workerId - id of this process to initialize snowflake
//	jsonconf - configuration string
func (storeObj) Open(workerId int, jsonconf json.RawMessage) error {
	if err := openAdapter(workerId, jsonconf); err != nil {
		return err
	}

	return adp.CheckDbVersion()
}

// Close terminates connection to persistent storage.
func (storeObj) Close() error {
	if adp.IsOpen() {
		return adp.Close()
	}

	return nil
}

// IsOpen checks if persistent storage connection has been initialized.
func (storeObj) IsOpen() bool {
	if adp != nil {
		return adp.IsOpen()
	}

	return false
}

// GetAdapterName returns the name of the current adapter.
func (storeObj) GetAdapterName() string {
	if adp != nil {
		return adp.GetName()
	}

	return ""
}

// GetAdapterVersion returns version of the current adapter.
func (storeObj) GetAdapterVersion() int {
	if adp != nil {
		return adp.Version()
	}

	return -1
}

// GetDbVersion returns version of the underlying database.
func (storeObj) GetDbVersion() int {
	if adp != nil {
		vers, _ := adp.GetDbVersion()
		return vers
	}

	return -1
}

// InitDb creates and configures a new database instance. If 'reset' is true it will first
// attempt to drop an existing database. If jsonconf is nil it will assume that the adapter
// is already open. If it's non-nil and the adapter is not open, it will use the config
// string to open the adapter first.
func (s storeObj) InitDb(jsonconf json.RawMessage, reset bool) error {
	if !s.IsOpen() {
		if err := openAdapter(1, jsonconf); err != nil {
			return err
		}
	}
	return adp.CreateDb(reset)
}

// RegisterAdapter makes a persistence adapter available.
// If Register is called twice or if the adapter is nil, it panics.
func RegisterAdapter(a adapter.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}

	adapterName := a.GetName()
	if _, ok := availableAdapters[adapterName]; ok {
		panic("store: adapter '" + adapterName + "' is already registered")
	}
	availableAdapters[adapterName] = a
}

// GetUid generates a unique ID suitable for use as a primary key.
func (storeObj) GetUid() types.Uid {
	return uGen.Get()
}

// GetUidString generates a unique ID as a string.
func (storeObj) GetUidString() string {
	return uGen.Get().String()
}

// DbStats returns a callback returning db connection stats object.
func (s storeObj) DbStats() func() any {
	if !s.IsOpen() {
		return nil
	}
	return adp.Stats
}

// UsersPersistenceInterface is an interface which defines methods for persistence
// mapping of the User object.
type UsersPersistenceInterface interface {
	Get(uid types.Uid) (*types.User, error)
	GetAll(uid ...types.Uid) ([]types.User, error)
	UpdateLastSeen(uid types.Uid, when time.Time) error
}

// Users is the anchor for storing/retrieving User objects.
var Users UsersPersistenceInterface = usersMapper{}

type usersMapper struct{}

// Get returns a user record for the given user id.
func (usersMapper) Get(uid types.Uid) (*types.User, error) {
	return adp.UserGet(uid)
}

// GetAll returns a list of user records for the given user ids.
func (usersMapper) GetAll(uid ...types.Uid) ([]types.User, error) {
	return adp.UserGetAll(uid...)
}

// UpdateLastSeen records the given time as the time the user was last online.
func (usersMapper) UpdateLastSeen(uid types.Uid, when time.Time) error {
	return adp.UserUpdateLastSeen(uid, when)
}

// DialogsPersistenceInterface is an interface which defines methods for persistence
// mapping of the Dialog object.
type DialogsPersistenceInterface interface {
	Create(dialog *types.Dialog) (*types.Dialog, error)
	Get(id types.Uid) (*types.Dialog, error)
	GetForUser(uid types.Uid) ([]types.Dialog, error)
	Delete(id types.Uid) error
}

// Dialogs is the anchor for storing/retrieving Dialog objects.
var Dialogs DialogsPersistenceInterface = dialogsMapper{}

type dialogsMapper struct{}

// Create assigns an id and timestamps to the dialog and persists it.
func (dialogsMapper) Create(dialog *types.Dialog) (*types.Dialog, error) {
	dialog.SetUid(uGen.Get())
	dialog.InitTimes()

	if err := adp.DialogCreate(dialog); err != nil {
		return nil, err
	}
	return dialog, nil
}

// Get loads a single dialog by id.
func (dialogsMapper) Get(id types.Uid) (*types.Dialog, error) {
	return adp.DialogGet(id)
}

// GetForUser loads all dialogs the given user participates in.
func (dialogsMapper) GetForUser(uid types.Uid) ([]types.Dialog, error) {
	return adp.DialogsForUser(uid)
}

// Delete removes the dialog and all its messages.
func (dialogsMapper) Delete(id types.Uid) error {
	return adp.DialogDelete(id)
}

// MessagesPersistenceInterface is an interface which defines methods for persistence
// mapping of the Message object.
type MessagesPersistenceInterface interface {
	Save(msg *types.Message) (*types.Message, error)
	Get(id types.Uid) (*types.Message, error)
	GetAll(dialog types.Uid) ([]types.Message, error)
	Delete(id types.Uid) error
}

// Messages is the anchor for storing/retrieving Message objects.
var Messages MessagesPersistenceInterface = messagesMapper{}

type messagesMapper struct{}

// Save assigns an id and a server timestamp to the message and persists it.
// The fully-populated record is returned to the caller: realtime fan-out must
// deliver exactly what was persisted.
func (messagesMapper) Save(msg *types.Message) (*types.Message, error) {
	msg.SetUid(uGen.Get())
	msg.InitTimes()

	if err := adp.MessageSave(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Get loads a single message by id.
func (messagesMapper) Get(id types.Uid) (*types.Message, error) {
	return adp.MessageGet(id)
}

// GetAll loads messages of a dialog in creation order.
func (messagesMapper) GetAll(dialog types.Uid) ([]types.Message, error) {
	return adp.MessagesForDialog(dialog)
}

// Delete hard-removes the message record.
func (messagesMapper) Delete(id types.Uid) error {
	return adp.MessageDelete(id)
}
