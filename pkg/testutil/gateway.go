package testutil

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/lightforgemedia/go-dopclient/pkg/cipher"
	"github.com/lightforgemedia/go-dopclient/pkg/config"
)

// Recorded is a request received by a MockGateway.
type Recorded struct {
	Path          string
	Authorization string
	Body          map[string]any
}

// MockGateway is an httptest gateway that records requests. Every path
// answers 200 unless overridden with SetStatus; startsession answers with
// the configured session id and token.
type MockGateway struct {
	T      *testing.T
	Server *httptest.Server

	mu        sync.Mutex
	requests  []Recorded
	statuses  map[string]int
	sessionID string
	token     string
}

// NewMockGateway starts a gateway closed with the test.
func NewMockGateway(t *testing.T) *MockGateway {
	t.Helper()
	mg := &MockGateway{
		T:         t,
		statuses:  make(map[string]int),
		sessionID: "S1",
		token:     "T1",
	}
	mg.Server = httptest.NewServer(http.HandlerFunc(mg.serve))
	t.Cleanup(mg.Server.Close)
	return mg
}

func (mg *MockGateway) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	mg.mu.Lock()
	mg.requests = append(mg.requests, Recorded{
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		Body:          body,
	})
	status, ok := mg.statuses[r.URL.Path]
	sessionID, token := mg.sessionID, mg.token
	mg.mu.Unlock()

	if ok && status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/dop/startsession" {
		_ = json.NewEncoder(w).Encode(map[string]string{"session": sessionID, "auth_token": token})
		return
	}
	_, _ = w.Write([]byte(`{}`))
}

// SetStatus makes path answer with status.
func (mg *MockGateway) SetStatus(path string, status int) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.statuses[path] = status
}

// SetSession changes the session issued by startsession.
func (mg *MockGateway) SetSession(id, token string) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.sessionID, mg.token = id, token
}

// Requests returns the recorded requests.
func (mg *MockGateway) Requests() []Recorded {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return append([]Recorded(nil), mg.requests...)
}

// RequestsTo returns the recorded requests for path.
func (mg *MockGateway) RequestsTo(path string) []Recorded {
	var out []Recorded
	for _, r := range mg.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Config returns a valid client configuration pointing at the gateway.
func (mg *MockGateway) Config(auth config.AuthType, token string) config.ClientConfig {
	mg.T.Helper()
	host, port, err := net.SplitHostPort(mg.Server.Listener.Addr().String())
	if err != nil {
		mg.T.Fatalf("split gateway address: %v", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		mg.T.Fatalf("gateway port: %v", err)
	}
	return config.ClientConfig{
		BrokerHost:  "broker.test",
		BrokerPort:  1883,
		GatewayHost: host,
		GatewayPort: p,
		Ciphers:     append([]cipher.Descriptor(nil), cipher.Supported...),
		AuthType:    auth,
		AuthToken:   &token,
	}.Normalized()
}
