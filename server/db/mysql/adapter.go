// Package mysql is a database adapter for MySQL.
package mysql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	ms "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/converse-im/converse/server/store"
	t "github.com/converse-im/converse/server/store/types"
)

// adapter holds MySQL connection data.
type adapter struct {
	db         *sqlx.DB
	dsn        string
	dbName     string
	maxResults int
	version    int
}

const (
	defaultDSN      = "root:@tcp(localhost:3306)/converse?parseTime=true&collation=utf8mb4_unicode_ci"
	defaultDatabase = "converse"

	adpVersion  = 100
	adapterName = "mysql"

	defaultMaxResults = 1024
)

type configType struct {
	DSN    string `json:"dsn,omitempty"`
	DBName string `json:"database,omitempty"`
}

// Open initializes the MySQL connection pool.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var err error
	var config configType
	if err = json.Unmarshal(jsonconfig, &config); err != nil {
		return errors.New("mysql adapter failed to parse config: " + err.Error())
	}

	a.dsn = config.DSN
	if a.dsn == "" {
		a.dsn = defaultDSN
	}

	a.dbName = config.DBName
	if a.dbName == "" {
		a.dbName = defaultDatabase
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}

	// sql.Open does not open the network connection.
	// Force network connection here.
	err = a.db.Ping()
	if isMissingDb(err) {
		// Ignore missing database here. If we are initializing the database
		// missing DB is OK.
		err = nil
	}
	if err == nil {
		a.version = -1
	}
	return err
}

// Close closes the underlying database connection.
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established.
// It does not check if the connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetDbVersion returns the current schema version of the database.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	var vers int
	if err := a.db.Get(&vers, "SELECT `value` FROM kvmeta WHERE `key`='version'"); err != nil {
		if err == sql.ErrNoRows || isMissingDb(err) || isMissingTable(err) {
			err = errors.New("Database not initialized")
		}
		return -1, err
	}
	a.version = vers

	return vers, nil
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

// GetName returns string that adapter uses to register itself with store.
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
	return a.db.Stats()
}

// CreateDb initializes the storage.
func (a *adapter) CreateDb(reset bool) error {
	var err error
	var tx *sql.Tx

	// Can't use an existing connection because it's configured with the
	// database name which may not exist yet.
	cfg, err := ms.ParseDSN(a.dsn)
	if err != nil {
		return err
	}
	cfg.DBName = ""

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	if tx, err = db.Begin(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if reset {
		if _, err = tx.Exec("DROP DATABASE IF EXISTS " + a.dbName); err != nil {
			return err
		}
	}

	if _, err = tx.Exec("CREATE DATABASE " + a.dbName + " CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return err
	}

	if _, err = tx.Exec("USE " + a.dbName); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE users(
			id        BIGINT NOT NULL,
			createdat DATETIME(3) NOT NULL,
			updatedat DATETIME(3) NOT NULL,
			lastseen  DATETIME(3),
			public    VARCHAR(255) NOT NULL DEFAULT '',
			PRIMARY KEY(id)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE dialogs(
			id        BIGINT NOT NULL,
			createdat DATETIME(3) NOT NULL,
			updatedat DATETIME(3) NOT NULL,
			PRIMARY KEY(id)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE participants(
			id       INT NOT NULL AUTO_INCREMENT,
			dialogid BIGINT NOT NULL,
			userid   BIGINT NOT NULL,
			PRIMARY KEY(id),
			UNIQUE INDEX participants_dialog_user(dialogid, userid),
			INDEX participants_user(userid),
			FOREIGN KEY(dialogid) REFERENCES dialogs(id)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE messages(
			id        BIGINT NOT NULL,
			createdat DATETIME(3) NOT NULL,
			dialogid  BIGINT NOT NULL,
			userid    BIGINT NOT NULL,
			content   TEXT NOT NULL,
			PRIMARY KEY(id),
			INDEX messages_dialog_createdat(dialogid, createdat),
			FOREIGN KEY(dialogid) REFERENCES dialogs(id)
		)`); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE kvmeta(
			` + "`key`" + ` CHAR(32),
			` + "`value`" + ` TEXT,
			PRIMARY KEY(` + "`key`" + `)
		)`); err != nil {
		return err
	}
	if _, err = tx.Exec("INSERT INTO kvmeta(`key`, `value`) VALUES('version', ?)", adpVersion); err != nil {
		return err
	}

	return tx.Commit()
}

// UserGet fetches a single user by user id.
func (a *adapter) UserGet(uid t.Uid) (*t.User, error) {
	var row struct {
		Id        int64
		Createdat time.Time
		Updatedat time.Time
		Lastseen  *time.Time
		Public    string
	}
	err := a.db.Get(&row, "SELECT id,createdat,updatedat,lastseen,public FROM users WHERE id=?", int64(uid))
	if err == sql.ErrNoRows {
		// Clear the error if user does not exist.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	user := &t.User{Public: row.Public, LastSeen: row.Lastseen}
	user.SetUid(t.Uid(row.Id))
	user.CreatedAt = row.Createdat
	user.UpdatedAt = row.Updatedat
	return user, nil
}

// UserGetAll returns user records for a given list of user ids.
func (a *adapter) UserGetAll(ids ...t.Uid) ([]t.User, error) {
	uids := make([]any, len(ids))
	for i, id := range ids {
		uids[i] = int64(id)
	}

	query, args, err := sqlx.In(
		"SELECT id,createdat,updatedat,lastseen,public FROM users WHERE id IN (?)", uids)
	if err != nil {
		return nil, err
	}

	rows, err := a.db.Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []t.User
	for rows.Next() {
		var row struct {
			Id        int64
			Createdat time.Time
			Updatedat time.Time
			Lastseen  *time.Time
			Public    string
		}
		if err = rows.StructScan(&row); err != nil {
			return nil, err
		}
		user := t.User{Public: row.Public, LastSeen: row.Lastseen}
		user.SetUid(t.Uid(row.Id))
		user.CreatedAt = row.Createdat
		user.UpdatedAt = row.Updatedat
		users = append(users, user)
	}
	return users, rows.Err()
}

// UserUpdateLastSeen records the time the user was last online.
func (a *adapter) UserUpdateLastSeen(uid t.Uid, when time.Time) error {
	res, err := a.db.Exec("UPDATE users SET lastseen=? WHERE id=?", when, int64(uid))
	if err != nil {
		return err
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return t.ErrNotFound
	}
	return nil
}

// DialogCreate saves a new dialog and its participant list.
func (a *adapter) DialogCreate(dialog *t.Dialog) error {
	tx, err := a.db.Beginx()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec("INSERT INTO dialogs(id,createdat,updatedat) VALUES(?,?,?)",
		int64(dialog.Uid()), dialog.CreatedAt, dialog.UpdatedAt); err != nil {
		return err
	}

	for _, p := range dialog.Participants {
		if _, err = tx.Exec("INSERT INTO participants(dialogid,userid) VALUES(?,?)",
			int64(dialog.Uid()), int64(p)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DialogGet fetches a single dialog with its participants.
func (a *adapter) DialogGet(id t.Uid) (*t.Dialog, error) {
	var row struct {
		Id        int64
		Createdat time.Time
		Updatedat time.Time
	}
	err := a.db.Get(&row, "SELECT id,createdat,updatedat FROM dialogs WHERE id=?", int64(id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dialog := &t.Dialog{}
	dialog.SetUid(t.Uid(row.Id))
	dialog.CreatedAt = row.Createdat
	dialog.UpdatedAt = row.Updatedat

	if dialog.Participants, err = a.dialogParticipants(int64(id)); err != nil {
		return nil, err
	}
	return dialog, nil
}

func (a *adapter) dialogParticipants(dialogid int64) ([]t.Uid, error) {
	rows, err := a.db.Query("SELECT userid FROM participants WHERE dialogid=?", dialogid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []t.Uid
	for rows.Next() {
		var userid int64
		if err = rows.Scan(&userid); err != nil {
			return nil, err
		}
		participants = append(participants, t.Uid(userid))
	}
	return participants, rows.Err()
}

// DialogsForUser loads dialogs the given user participates in, freshest first.
func (a *adapter) DialogsForUser(uid t.Uid) ([]t.Dialog, error) {
	rows, err := a.db.Queryx(
		`SELECT d.id,d.createdat,d.updatedat FROM dialogs AS d
			JOIN participants AS p ON p.dialogid=d.id
			WHERE p.userid=? ORDER BY d.updatedat DESC LIMIT ?`,
		int64(uid), a.maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dialogs []t.Dialog
	for rows.Next() {
		var row struct {
			Id        int64
			Createdat time.Time
			Updatedat time.Time
		}
		if err = rows.StructScan(&row); err != nil {
			return nil, err
		}
		dialog := t.Dialog{}
		dialog.SetUid(t.Uid(row.Id))
		dialog.CreatedAt = row.Createdat
		dialog.UpdatedAt = row.Updatedat
		dialogs = append(dialogs, dialog)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for i := range dialogs {
		if dialogs[i].Participants, err = a.dialogParticipants(int64(dialogs[i].Uid())); err != nil {
			return nil, err
		}
	}
	return dialogs, nil
}

// DialogDelete removes the dialog, its participant list and all its messages.
func (a *adapter) DialogDelete(id t.Uid) error {
	tx, err := a.db.Beginx()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM messages WHERE dialogid=?", int64(id)); err != nil {
		return err
	}
	if _, err = tx.Exec("DELETE FROM participants WHERE dialogid=?", int64(id)); err != nil {
		return err
	}
	res, err := tx.Exec("DELETE FROM dialogs WHERE id=?", int64(id))
	if err != nil {
		return err
	}
	if count, _ := res.RowsAffected(); count == 0 {
		err = t.ErrNotFound
		return err
	}

	return tx.Commit()
}

// MessageSave saves a new message.
func (a *adapter) MessageSave(msg *t.Message) error {
	_, err := a.db.Exec(
		"INSERT INTO messages(id,createdat,dialogid,userid,content) VALUES(?,?,?,?,?)",
		int64(msg.Uid()), msg.CreatedAt, int64(msg.Dialog), int64(msg.From), msg.Content)
	if err != nil {
		return err
	}
	// Message traffic keeps the dialog fresh in listings.
	_, err = a.db.Exec("UPDATE dialogs SET updatedat=? WHERE id=?", msg.CreatedAt, int64(msg.Dialog))
	return err
}

// MessageGet fetches a single message by id.
func (a *adapter) MessageGet(id t.Uid) (*t.Message, error) {
	var row struct {
		Id        int64
		Createdat time.Time
		Dialogid  int64
		Userid    int64
		Content   string
	}
	err := a.db.Get(&row, "SELECT id,createdat,dialogid,userid,content FROM messages WHERE id=?", int64(id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg := &t.Message{Dialog: t.Uid(row.Dialogid), From: t.Uid(row.Userid), Content: row.Content}
	msg.SetUid(t.Uid(row.Id))
	msg.CreatedAt = row.Createdat
	msg.UpdatedAt = row.Createdat
	return msg, nil
}

// MessagesForDialog loads messages of a dialog in creation order.
func (a *adapter) MessagesForDialog(dialog t.Uid) ([]t.Message, error) {
	rows, err := a.db.Queryx(
		"SELECT id,createdat,dialogid,userid,content FROM messages WHERE dialogid=? ORDER BY createdat LIMIT ?",
		int64(dialog), a.maxResults)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []t.Message
	for rows.Next() {
		var row struct {
			Id        int64
			Createdat time.Time
			Dialogid  int64
			Userid    int64
			Content   string
		}
		if err = rows.StructScan(&row); err != nil {
			return nil, err
		}
		msg := t.Message{Dialog: t.Uid(row.Dialogid), From: t.Uid(row.Userid), Content: row.Content}
		msg.SetUid(t.Uid(row.Id))
		msg.CreatedAt = row.Createdat
		msg.UpdatedAt = row.Createdat
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MessageDelete hard-removes a single message.
func (a *adapter) MessageDelete(id t.Uid) error {
	res, err := a.db.Exec("DELETE FROM messages WHERE id=?", int64(id))
	if err != nil {
		return err
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return t.ErrNotFound
	}
	return nil
}

func isMissingDb(err error) bool {
	if err == nil {
		return false
	}

	myerr, ok := err.(*ms.MySQLError)
	return ok && myerr.Number == 1049
}

func isMissingTable(err error) bool {
	if err == nil {
		return false
	}

	myerr, ok := err.(*ms.MySQLError)
	return ok && myerr.Number == 1146
}

func init() {
	store.RegisterAdapter(&adapter{})
}
