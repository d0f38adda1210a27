// Package mongodb is a database adapter for MongoDB.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/converse-im/converse/server/store"
	t "github.com/converse-im/converse/server/store/types"
)

// adapter holds MongoDB connection data.
type adapter struct {
	conn       *mongo.Client
	db         *mongo.Database
	dbName     string
	maxResults int
	version    int
	ctx        context.Context
}

const (
	defaultHost     = "localhost:27017"
	defaultDatabase = "converse"

	adpVersion  = 100
	adapterName = "mongodb"

	defaultMaxResults = 1024
)

type configType struct {
	Uri       string `json:"uri,omitempty"`
	Addresses any    `json:"addresses,omitempty"`
	Database  string `json:"database,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

// Open initializes the MongoDB connection.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter mongodb is already connected")
	}

	var err error
	var config configType
	if err = json.Unmarshal(jsonconfig, &config); err != nil {
		return errors.New("adapter mongodb failed to parse config: " + err.Error())
	}

	var opts mdbopts.ClientOptions

	if config.Addresses == nil && config.Uri == "" {
		opts.SetHosts([]string{defaultHost})
	} else if config.Uri != "" {
		opts.ApplyURI(config.Uri)
	} else if host, ok := config.Addresses.(string); ok {
		opts.SetHosts([]string{host})
	} else if ihosts, ok := config.Addresses.([]any); ok && len(ihosts) > 0 {
		hosts := make([]string, len(ihosts))
		for i, ih := range ihosts {
			h, ok := ih.(string)
			if !ok || h == "" {
				return errors.New("adapter mongodb invalid config.Addresses value")
			}
			hosts[i] = h
		}
		opts.SetHosts(hosts)
	} else {
		return errors.New("adapter mongodb failed to parse config.Addresses")
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if config.Username != "" {
		var passwordSet bool
		if config.Password != "" {
			passwordSet = true
		}
		opts.SetAuth(
			mdbopts.Credential{
				AuthMechanism: "SCRAM-SHA-256",
				AuthSource:    "admin",
				Username:      config.Username,
				Password:      config.Password,
				PasswordSet:   passwordSet,
			})
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	a.ctx = context.Background()
	a.conn, err = mongo.Connect(a.ctx, &opts)
	if err != nil {
		return err
	}

	a.db = a.conn.Database(a.dbName)
	a.version = -1

	return nil
}

// Close the adapter.
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		err = a.conn.Disconnect(a.ctx)
		a.conn = nil
		a.version = -1
	}
	return err
}

// IsOpen checks if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetDbVersion returns the current schema version of the database.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	var result struct {
		Key   string `bson:"_id"`
		Value int    `bson:"value"`
	}
	if err := a.db.Collection("kvmeta").FindOne(a.ctx, bson.M{"_id": "version"}).Decode(&result); err != nil {
		if err == mongo.ErrNoDocuments {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}

	a.version = result.Value
	return result.Value, nil
}

// CheckDbVersion checks whether the actual DB version matches the expected version of this adapter.
func (a *adapter) CheckDbVersion() error {
	version, err := a.GetDbVersion()
	if err != nil {
		return err
	}

	if version != adpVersion {
		return errors.New("Invalid database version " + strconv.Itoa(version) +
			". Expected " + strconv.Itoa(adpVersion))
	}

	return nil
}

// Version returns adapter version.
func (a *adapter) Version() int {
	return adpVersion
}

// GetName returns the name of the adapter.
func (a *adapter) GetName() string {
	return adapterName
}

// SetMaxResults configures how many results can be returned in a single DB call.
func (a *adapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}

	return nil
}

// Stats returns DB connection stats object.
func (a *adapter) Stats() any {
	if a.db == nil {
		return nil
	}
	var result bson.M
	if err := a.db.RunCommand(a.ctx, bson.D{{Key: "serverStatus", Value: 1}}).Decode(&result); err != nil {
		return nil
	}
	return result["connections"]
}

// CreateDb creates the collections and indexes.
func (a *adapter) CreateDb(reset bool) error {
	if reset {
		if err := a.db.Drop(a.ctx); err != nil {
			return err
		}
	} else if a.isDbInitialized() {
		return errors.New("Database already initialized")
	}

	indexes := []struct {
		Collection string
		IndexOpts  mongo.IndexModel
	}{
		// Dialogs of a user.
		{
			Collection: "dialogs",
			IndexOpts:  mongo.IndexModel{Keys: bson.M{"participants": 1}},
		},
		// Messages of a dialog, in creation order.
		{
			Collection: "messages",
			IndexOpts:  mongo.IndexModel{Keys: bson.D{{Key: "dialog", Value: 1}, {Key: "createdat", Value: 1}}},
		},
	}

	for _, idx := range indexes {
		if _, err := a.db.Collection(idx.Collection).Indexes().CreateOne(a.ctx, idx.IndexOpts); err != nil {
			return err
		}
	}

	// Collection "users" needs no extra indexes: it is only read by _id here.

	if _, err := a.db.Collection("kvmeta").InsertOne(a.ctx, map[string]any{"_id": "version", "value": adpVersion}); err != nil {
		return err
	}

	return nil
}

func (a *adapter) isDbInitialized() bool {
	var result map[string]int
	findOpts := mdbopts.FindOneOptions{Projection: bson.M{"value": 1, "_id": 0}}
	if err := a.db.Collection("kvmeta").FindOne(a.ctx, bson.M{"_id": "version"}, &findOpts).Decode(&result); err != nil {
		return false
	}
	return true
}

// userObj is the stored form of a user account.
type userObj struct {
	Id        string     `bson:"_id"`
	CreatedAt time.Time  `bson:"createdat"`
	UpdatedAt time.Time  `bson:"updatedat"`
	LastSeen  *time.Time `bson:"lastseen,omitempty"`
	Public    string     `bson:"public"`
}

func (uo *userObj) user() *t.User {
	user := &t.User{Public: uo.Public, LastSeen: uo.LastSeen}
	user.Id = uo.Id
	user.CreatedAt = uo.CreatedAt
	user.UpdatedAt = uo.UpdatedAt
	return user
}

// UserGet fetches a single user by user id.
func (a *adapter) UserGet(uid t.Uid) (*t.User, error) {
	var uo userObj
	err := a.db.Collection("users").FindOne(a.ctx, bson.M{"_id": uid.String()}).Decode(&uo)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			// Clear the error if user does not exist.
			return nil, nil
		}
		return nil, err
	}

	return uo.user(), nil
}

// UserGetAll returns user records for a given list of user ids.
func (a *adapter) UserGetAll(ids ...t.Uid) ([]t.User, error) {
	uids := make([]string, len(ids))
	for i, id := range ids {
		uids[i] = id.String()
	}

	cur, err := a.db.Collection("users").Find(a.ctx, bson.M{"_id": bson.M{"$in": uids}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(a.ctx)

	var users []t.User
	for cur.Next(a.ctx) {
		var uo userObj
		if err = cur.Decode(&uo); err != nil {
			return nil, err
		}
		users = append(users, *uo.user())
	}
	return users, cur.Err()
}

// UserUpdateLastSeen records the time the user was last online.
func (a *adapter) UserUpdateLastSeen(uid t.Uid, when time.Time) error {
	res, err := a.db.Collection("users").UpdateOne(a.ctx,
		bson.M{"_id": uid.String()},
		bson.M{"$set": bson.M{"lastseen": when}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// dialogObj is the stored form of a dialog.
type dialogObj struct {
	Id           string    `bson:"_id"`
	CreatedAt    time.Time `bson:"createdat"`
	UpdatedAt    time.Time `bson:"updatedat"`
	Participants []string  `bson:"participants"`
}

func (do *dialogObj) dialog() *t.Dialog {
	dialog := &t.Dialog{}
	dialog.Id = do.Id
	dialog.CreatedAt = do.CreatedAt
	dialog.UpdatedAt = do.UpdatedAt
	for _, p := range do.Participants {
		dialog.Participants = append(dialog.Participants, t.ParseUid(p))
	}
	return dialog
}

// DialogCreate saves a new dialog.
func (a *adapter) DialogCreate(dialog *t.Dialog) error {
	participants := make([]string, len(dialog.Participants))
	for i, p := range dialog.Participants {
		participants[i] = p.String()
	}

	_, err := a.db.Collection("dialogs").InsertOne(a.ctx, &dialogObj{
		Id:           dialog.Id,
		CreatedAt:    dialog.CreatedAt,
		UpdatedAt:    dialog.UpdatedAt,
		Participants: participants,
	})
	if err != nil && strings.Contains(err.Error(), "duplicate key error") {
		return t.ErrDuplicate
	}
	return err
}

// DialogGet fetches a single dialog by id.
func (a *adapter) DialogGet(id t.Uid) (*t.Dialog, error) {
	var do dialogObj
	err := a.db.Collection("dialogs").FindOne(a.ctx, bson.M{"_id": id.String()}).Decode(&do)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}

	return do.dialog(), nil
}

// DialogsForUser loads dialogs the given user participates in, freshest first.
func (a *adapter) DialogsForUser(uid t.Uid) ([]t.Dialog, error) {
	findOpts := mdbopts.Find().
		SetSort(bson.M{"updatedat": -1}).
		SetLimit(int64(a.maxResults))

	cur, err := a.db.Collection("dialogs").Find(a.ctx, bson.M{"participants": uid.String()}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(a.ctx)

	var dialogs []t.Dialog
	for cur.Next(a.ctx) {
		var do dialogObj
		if err = cur.Decode(&do); err != nil {
			return nil, err
		}
		dialogs = append(dialogs, *do.dialog())
	}
	return dialogs, cur.Err()
}

// DialogDelete removes the dialog and all its messages.
func (a *adapter) DialogDelete(id t.Uid) error {
	res, err := a.db.Collection("dialogs").DeleteOne(a.ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}

	_, err = a.db.Collection("messages").DeleteMany(a.ctx, bson.M{"dialog": id.String()})
	return err
}

// messageObj is the stored form of a message.
type messageObj struct {
	Id        string    `bson:"_id"`
	CreatedAt time.Time `bson:"createdat"`
	Dialog    string    `bson:"dialog"`
	From      string    `bson:"from"`
	Content   string    `bson:"content"`
}

func (mo *messageObj) message() *t.Message {
	msg := &t.Message{
		Dialog:  t.ParseUid(mo.Dialog),
		From:    t.ParseUid(mo.From),
		Content: mo.Content,
	}
	msg.Id = mo.Id
	msg.CreatedAt = mo.CreatedAt
	msg.UpdatedAt = mo.CreatedAt
	return msg
}

// MessageSave saves a new message.
func (a *adapter) MessageSave(msg *t.Message) error {
	_, err := a.db.Collection("messages").InsertOne(a.ctx, &messageObj{
		Id:        msg.Id,
		CreatedAt: msg.CreatedAt,
		Dialog:    msg.Dialog.String(),
		From:      msg.From.String(),
		Content:   msg.Content,
	})
	if err != nil {
		return err
	}

	// Message traffic keeps the dialog fresh in listings.
	_, err = a.db.Collection("dialogs").UpdateOne(a.ctx,
		bson.M{"_id": msg.Dialog.String()},
		bson.M{"$set": bson.M{"updatedat": msg.CreatedAt}})
	return err
}

// MessageGet fetches a single message by id.
func (a *adapter) MessageGet(id t.Uid) (*t.Message, error) {
	var mo messageObj
	err := a.db.Collection("messages").FindOne(a.ctx, bson.M{"_id": id.String()}).Decode(&mo)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}

	return mo.message(), nil
}

// MessagesForDialog loads messages of a dialog in creation order.
func (a *adapter) MessagesForDialog(dialog t.Uid) ([]t.Message, error) {
	findOpts := mdbopts.Find().
		SetSort(bson.M{"createdat": 1}).
		SetLimit(int64(a.maxResults))

	cur, err := a.db.Collection("messages").Find(a.ctx, bson.M{"dialog": dialog.String()}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(a.ctx)

	var msgs []t.Message
	for cur.Next(a.ctx) {
		var mo messageObj
		if err = cur.Decode(&mo); err != nil {
			return nil, err
		}
		msgs = append(msgs, *mo.message())
	}
	return msgs, cur.Err()
}

// MessageDelete hard-removes a single message.
func (a *adapter) MessageDelete(id t.Uid) error {
	res, err := a.db.Collection("messages").DeleteOne(a.ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

func init() {
	store.RegisterAdapter(&adapter{})
}
