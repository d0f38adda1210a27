/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"expvar"
	"flag"
	"net/http"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	jcr "github.com/tinode/jsonco"

	"github.com/converse-im/converse/server/auth"
	"github.com/converse-im/converse/server/logs"
	"github.com/converse-im/converse/server/store"

	// Authenticators
	_ "github.com/converse-im/converse/server/auth/rest"
	_ "github.com/converse-im/converse/server/auth/token"

	// Database adapters
	_ "github.com/converse-im/converse/server/db/mongodb"
	_ "github.com/converse-im/converse/server/db/mysql"
	_ "github.com/converse-im/converse/server/db/postgres"

	"github.com/joho/godotenv"
)

const (
	// currentVersion is the current API/protocol version
	currentVersion = "0.1"

	// Default maximum size of a single incoming websocket frame, in bytes.
	defaultMaxMessageSize = 1 << 19 // 512K
)

// App is the top of the object graph: every long lived component hangs off
// it and handlers receive it as the method receiver. No package globals.
type App struct {
	hub      *Hub
	sessions *SessionStore
	presence *PresenceTracker
	resolver auth.Resolver
	validate *validator.Validate

	wsCompression    bool
	maxMessageSize   int64
	useXForwardedFor bool
	tlsStrictMaxAge  string
}

type configType struct {
	// HTTP(S) address:port to listen on.
	Listen string `json:"listen"`
	// URL path for exposing runtime stats. Disabled if the path is blank or "-".
	ExpvarPath string `json:"expvar"`
	// Take IP address of the client from HTTP header 'X-Forwarded-For'.
	UseXForwardedFor bool `json:"use_x_forwarded_for"`
	// Maximum message size allowed from client in bytes.
	MaxMessageSize int64 `json:"max_message_size"`
	// Enable websocket per message compression.
	WSCompression bool `json:"ws_compression_enabled"`
	// Snowflake worker id, beware of collisions when running multiple instances.
	WorkerID int `json:"worker_id"`
	// Name of the authenticator to use and per-authenticator configs.
	UseAuth string                     `json:"use_auth"`
	Auth    map[string]json.RawMessage `json:"auth_config"`
	// Configuration of the database adapters.
	Store json.RawMessage `json:"store_config"`
	// Configuration of TLS.
	TLS json.RawMessage `json:"tls"`
}

func main() {
	logs.Init()

	// Optional .env file, process environment wins.
	godotenv.Load()

	executable, _ := os.Executable()
	logs.Info.Printf("Server v%s started, pid %d", currentVersion, os.Getpid())
	logs.Info.Println("Executable:", executable)

	var configfile = flag.String("config", "./converse.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on.")
	var initDb = flag.Bool("init_db", false, "Initialize the database schema and exit.")
	var resetDb = flag.Bool("reset_db", false, "Drop an existing database before initializing.")
	flag.Parse()

	logs.Info.Printf("Using config from '%s'", *configfile)

	var config configType
	if file, err := os.Open(*configfile); err != nil {
		logs.Err.Fatalln("Failed to read config file:", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				logs.Err.Fatalln("Failed to parse config file:", err)
			}
		}
		file.Close()
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}

	if *initDb {
		if err := store.Store.InitDb(config.Store, *resetDb); err != nil {
			logs.Err.Fatalln("Failed to initialize the database:", err)
		}
		logs.Info.Println("Database initialized")
		return
	}

	if err := store.Store.Open(config.WorkerID, config.Store); err != nil {
		logs.Err.Fatalln("Failed to connect to persistent storage:", err)
	}
	defer func() {
		store.Store.Close()
		logs.Info.Println("Closed database connection(s)")
		logs.Info.Println("All done, good bye")
	}()
	logs.Info.Println("Database adapter:", store.Store.GetAdapterName())

	if config.UseAuth == "" {
		logs.Err.Fatalln("Config provides no authenticator to use")
	}
	resolver := auth.Get(config.UseAuth)
	if resolver == nil {
		logs.Err.Fatalln("Unknown authenticator", config.UseAuth)
	}
	if err := resolver.Init(config.Auth[config.UseAuth], config.UseAuth); err != nil {
		logs.Err.Fatalln("Failed to init authenticator", config.UseAuth, err)
	}

	mux := http.NewServeMux()
	statsInit(mux, config.ExpvarPath)
	statsRegisterInt("IncomingMessagesWebsockTotal")
	statsRegisterInt("OutgoingMessagesWebsockTotal")
	statsRegisterInt("CtrlCodesTotal4xx")
	statsRegisterInt("CtrlCodesTotal5xx")
	if dbStats := store.Store.DbStats(); dbStats != nil {
		expvar.Publish("DbMeta", expvar.Func(dbStats))
	}

	app := &App{
		resolver:         resolver,
		validate:         validator.New(validator.WithRequiredStructEnabled()),
		wsCompression:    config.WSCompression,
		maxMessageSize:   config.MaxMessageSize,
		useXForwardedFor: config.UseXForwardedFor,
	}
	app.hub = newHub()
	app.sessions = NewSessionStore()
	app.presence = NewPresenceTracker()

	mux.HandleFunc("/", serveStatus)
	mux.HandleFunc("GET /ws", app.serveWebSocket)
	mux.HandleFunc("POST /dialogs", app.authGate(app.dialogCreate))
	mux.HandleFunc("GET /dialogs", app.authGate(app.dialogList))
	mux.HandleFunc("DELETE /dialogs/{id}", app.authGate(app.dialogDelete))
	mux.HandleFunc("POST /messages", app.authGate(app.messageCreate))
	mux.HandleFunc("GET /messages", app.authGate(app.messageList))
	mux.HandleFunc("DELETE /messages", app.authGate(app.messageDelete))

	handler := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "token"}),
	)(mux)
	handler = handlers.CompressHandler(handler)
	handler = handlers.CombinedLoggingHandler(os.Stdout, handler)

	if err := app.listenAndServe(handler, config.Listen, config.TLS, signalHandler()); err != nil {
		logs.Err.Fatalln("Failed to start web server:", err)
	}
}
