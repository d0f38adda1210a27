// Package rest resolves bearer credentials by calling a separate account
// service over HTTP (technically JSON RPC, not REST).
package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/converse-im/converse/server/auth"
)

// resolver is the singleton registered with the auth package.
type resolver struct {
	// Logical name of this resolver.
	name string
	// URL of the account service.
	serverUrl string
	// Use separate endpoints, i.e. add request name to serverUrl path when making requests.
	useSeparateEndpoints bool

	client *http.Client
}

// request to the account service.
type request struct {
	Endpoint string `json:"endpoint"`
	Name     string `json:"name"`
	Secret   []byte `json:"secret,omitempty"`
}

// response from the account service.
type response struct {
	// Error message in case of an error.
	Err string `json:"err,omitempty"`
	// Resolved identity record.
	Record *auth.Rec `json:"rec,omitempty"`
}

// Init initializes the resolver.
func (r *resolver) Init(jsonconf json.RawMessage, name string) error {
	if r.name != "" {
		return errors.New("auth_rest: already initialized as " + r.name + "; " + name)
	}

	type configType struct {
		// ServerUrl is the URL of the account service to call.
		ServerUrl string `json:"server_url"`
		// Use separate endpoints, i.e. add request name to serverUrl path when making requests.
		UseSeparateEndpoints bool `json:"use_separate_endpoints"`
		// Request timeout in milliseconds.
		TimeoutMillis int `json:"timeout_millis"`
	}

	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("auth_rest: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	serverUrl, err := url.Parse(config.ServerUrl)
	if err != nil || !serverUrl.IsAbs() {
		return errors.New("auth_rest: invalid server_url")
	}

	if !strings.HasSuffix(serverUrl.Path, "/") {
		serverUrl.Path += "/"
	}

	timeout := 5000
	if config.TimeoutMillis > 0 {
		timeout = config.TimeoutMillis
	}

	r.name = name
	r.serverUrl = serverUrl.String()
	r.useSeparateEndpoints = config.UseSeparateEndpoints
	r.client = &http.Client{Timeout: time.Duration(timeout) * time.Millisecond}

	return nil
}

// callEndpoint executes an HTTP POST to the account service at the specified
// endpoint and with the provided payload.
func (r *resolver) callEndpoint(endpoint string, secret []byte) (*response, error) {
	content, err := json.Marshal(&request{Endpoint: endpoint, Name: r.name, Secret: secret})
	if err != nil {
		return nil, err
	}

	callUrl := r.serverUrl
	if r.useSeparateEndpoints {
		epUrl, err := url.Parse(callUrl + endpoint)
		if err != nil {
			return nil, err
		}
		callUrl = epUrl.String()
	}

	post, err := r.client.Post(callUrl, "application/json", bytes.NewBuffer(content))
	if err != nil {
		return nil, auth.ErrInternal
	}
	defer post.Body.Close()

	body, err := io.ReadAll(io.LimitReader(post.Body, 1<<20))
	if err != nil {
		return nil, auth.ErrInternal
	}

	var resp response
	if err = json.Unmarshal(body, &resp); err != nil {
		return nil, auth.ErrInternal
	}

	if resp.Err != "" {
		return nil, auth.AuthErr(resp.Err)
	}

	return &resp, nil
}

// Authenticate sends the credential to the account service and returns the
// identity record it resolved to.
func (r *resolver) Authenticate(secret []byte) (*auth.Rec, error) {
	resp, err := r.callEndpoint("auth", secret)
	if err != nil {
		return nil, err
	}

	if resp.Record == nil || resp.Record.Uid.IsZero() {
		return nil, auth.ErrFailed
	}

	return resp.Record, nil
}

func init() {
	auth.Register("rest", &resolver{})
}
