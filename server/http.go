/******************************************************************************
 *
 *  Description :
 *
 *  Web server initialization and shutdown.
 *
 *****************************************************************************/

package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/crypto/acme/autocert"

	"github.com/converse-im/converse/server/logs"
)

type TlsConfig struct {
	// Flag enabling TLS
	Enabled bool `json:"enabled"`
	// Listen on port 80 and redirect plain HTTP to HTTPS
	RedirectHttp string `json:"http_redirect"`
	// Enable Strict-Transport-Security by setting max_age > 0
	StrictMaxAge int `json:"strict_max_age"`
	// ACME autocert config, e.g. letsencrypt.org
	Autocert *TlsAutocertConfig `json:"autocert"`
	// If Autocert is not defined, provide file names of static certificate and key
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

type TlsAutocertConfig struct {
	// Domains to support by autocert
	Domains []string `json:"domains"`
	// Name of directory where auto-certificates are cached, e.g. /etc/letsencrypt/live/your-domain-here
	CertCache string `json:"cache"`
	// Contact email for letsencrypt
	Email string `json:"email"`
}

func (app *App) listenAndServe(mux http.Handler, addr string, tlsRaw json.RawMessage, stop <-chan bool) error {
	var tlsConfig TlsConfig

	if len(tlsRaw) > 0 {
		if err := json.Unmarshal(tlsRaw, &tlsConfig); err != nil {
			return errors.New("http: failed to parse tls config: " + err.Error())
		}
	}

	shuttingDown := false

	httpdone := make(chan bool)

	server := &http.Server{Addr: addr}
	if tlsConfig.Enabled {
		if tlsConfig.StrictMaxAge > 0 {
			app.tlsStrictMaxAge = strconv.Itoa(tlsConfig.StrictMaxAge)
		}

		// If port is not specified, use default https port (443),
		// otherwise it will default to 80
		if server.Addr == "" {
			server.Addr = ":https"
		}

		server.TLSConfig = &tls.Config{}
		if tlsConfig.Autocert != nil {
			certManager := autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(tlsConfig.Autocert.Domains...),
				Cache:      autocert.DirCache(tlsConfig.Autocert.CertCache),
				Email:      tlsConfig.Autocert.Email,
			}

			server.TLSConfig.GetCertificate = certManager.GetCertificate
			if tlsConfig.CertFile != "" || tlsConfig.KeyFile != "" {
				logs.Info.Println("HTTP server: using autocert, static cert and key files are ignored")
				tlsConfig.CertFile = ""
				tlsConfig.KeyFile = ""
			}
		} else if tlsConfig.CertFile == "" || tlsConfig.KeyFile == "" {
			return errors.New("HTTP server: missing certificate or key file names")
		}
	}

	server.Handler = app.hstsHandler(mux)

	go func() {
		var err error
		if tlsConfig.Enabled {
			if tlsConfig.RedirectHttp != "" {
				logs.Info.Printf("Redirecting connections from HTTP at [%s] to HTTPS at [%s]",
					tlsConfig.RedirectHttp, server.Addr)
				go http.ListenAndServe(tlsConfig.RedirectHttp, tlsRedirect(addr))
			}

			logs.Info.Printf("Listening for client HTTPS connections on [%s]", server.Addr)
			err = server.ListenAndServeTLS(tlsConfig.CertFile, tlsConfig.KeyFile)
		} else {
			logs.Info.Printf("Listening for client HTTP connections on [%s]", server.Addr)
			err = server.ListenAndServe()
		}
		if err != nil {
			if shuttingDown {
				logs.Info.Println("HTTP server: stopped")
			} else {
				logs.Err.Println("HTTP server: failed", err)
			}
		}
		httpdone <- true
	}()

	// Wait for either a termination signal or an error
loop:
	for {
		select {
		case <-stop:
			// Flip the flag that we are terminating and close the Accept-ing socket, so no new connections are possible
			shuttingDown = true
			if err := server.Shutdown(nil); err != nil {
				// failure/timeout shutting down the server gracefully
				return err
			}

			// Wait for http server to stop Accept()-ing connections
			<-httpdone

			// Terminate all sessions
			app.sessions.Shutdown()

			// Shutdown the hub; all rooms are dropped with it.
			app.hub.Shutdown()

			// Stop the presence worker after the hub so no session can
			// report activity into a dead tracker.
			app.presence.Shutdown()

			statsShutdown()

			break loop

		case <-httpdone:
			break loop
		}
	}
	return nil
}

func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		// Wait for a signal. Don't care which signal it is
		sig := <-signchan
		logs.Info.Printf("Signal received: '%s', shutting down", sig)
		stop <- true
	}()

	return stop
}

// Wrapper for http.Handler which optionally adds a Strict-Transport-Security to the response
func (app *App) hstsHandler(handler http.Handler) http.Handler {
	if app.tlsStrictMaxAge != "" {
		return http.HandlerFunc(func(wrt http.ResponseWriter, req *http.Request) {
			wrt.Header().Set("Strict-Transport-Security", "max-age="+app.tlsStrictMaxAge)
			handler.ServeHTTP(wrt, req)
		})
	}
	return handler
}

// serveStatus answers the liveness probe at the root path.
func serveStatus(wrt http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		writeError(wrt, http.StatusNotFound, "not found")
		return
	}
	writeJSON(wrt, http.StatusOK, map[string]string{"status": "ok"})
}

// Redirect HTTP requests to HTTPS
func tlsRedirect(toPort string) http.HandlerFunc {
	if toPort == ":443" || toPort == ":https" {
		toPort = ""
	}
	return func(wrt http.ResponseWriter, req *http.Request) {
		target := "https://" + strings.Split(req.Host, ":")[0] + toPort + req.URL.Path
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		http.Redirect(wrt, req, target, http.StatusTemporaryRedirect)
	}
}
