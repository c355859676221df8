/*
Copyright 2024 OpenLink Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/Raywonder/openlink-sub002/lib/domain"
	"github.com/Raywonder/openlink-sub002/lib/monitor"
	"github.com/Raywonder/openlink-sub002/lib/session"
	"github.com/Raywonder/openlink-sub002/lib/signal"
	"github.com/Raywonder/openlink-sub002/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type webFixture struct {
	registry   *session.Registry
	dispatcher *signal.Dispatcher
	hub        *monitor.Hub
	handler    *Handler
	srv        *httptest.Server
}

func newWebFixture(t *testing.T, opts ...func(*Config)) *webFixture {
	t.Helper()
	registry, err := session.NewRegistry(session.Config{})
	require.NoError(t, err)
	dispatcher, err := signal.NewDispatcher(signal.DispatcherConfig{
		Registry:   registry,
		InstanceID: "test-instance",
	})
	require.NoError(t, err)
	hub, err := monitor.NewHub(monitor.Config{})
	require.NoError(t, err)

	cfg := Config{
		Registry:        registry,
		Dispatcher:      dispatcher,
		Hub:             hub,
		InstanceID:      "test-instance",
		BaseDomains:     []string{"openlink.test"},
		MonitorInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := NewHandler(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &webFixture{
		registry:   registry,
		dispatcher: dispatcher,
		hub:        hub,
		handler:    handler,
		srv:        srv,
	}
}

func (f *webFixture) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(data)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *webFixture) get(t *testing.T, path string) (int, map[string]interface{}) {
	return f.do(t, http.MethodGet, path, nil)
}

func (f *webFixture) post(t *testing.T, path string, body interface{}) (int, map[string]interface{}) {
	return f.do(t, http.MethodPost, path, body)
}

func (f *webFixture) delete(t *testing.T, path string) (int, map[string]interface{}) {
	return f.do(t, http.MethodDelete, path, nil)
}

// wsPeer is one connected websocket client in a test
type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (f *webFixture) dial(t *testing.T, header http.Header) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	p := &wsPeer{t: t, conn: conn}
	welcome := p.waitType(signal.TypeWelcome)
	p.id, _ = welcome["connectionId"].(string)
	require.NotEmpty(t, p.id)
	return p
}

func (p *wsPeer) send(frame signal.Frame) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(frame))
}

// waitType reads frames until one of the wanted type arrives
func (p *wsPeer) waitType(frameType string) signal.Frame {
	p.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		var frame signal.Frame
		require.NoError(p.t, p.conn.ReadJSON(&frame), "waiting for %q", frameType)
		if frame.Type() == frameType {
			return frame
		}
	}
}

func (f *webFixture) host(t *testing.T) (*wsPeer, string) {
	t.Helper()
	p := f.dial(t, nil)
	p.send(signal.Frame{"type": signal.TypeCreateSession})
	created := p.waitType(signal.TypeSessionCreated)
	id, _ := created["sessionId"].(string)
	require.NotEmpty(t, id)
	return p, id
}

func (f *webFixture) join(t *testing.T, sessionID string) *wsPeer {
	t.Helper()
	p := f.dial(t, nil)
	p.send(signal.Frame{"type": signal.TypeJoin, "linkId": sessionID})
	p.waitType(signal.TypeJoined)
	return p
}

func TestHealthEndpoint(t *testing.T) {
	f := newWebFixture(t)

	code, body := f.get(t, "/health")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "2.1.0", body["version"])
	require.Equal(t, "test-instance", body["instanceId"])
	require.EqualValues(t, 0, body["peerCount"])
	require.EqualValues(t, 0, body["sessionCount"])
	require.NotEmpty(t, body["uptime"])
}

func TestValidateAndSessionInfo(t *testing.T) {
	f := newWebFixture(t)

	code, body := f.get(t, "/api/validate/nosuch12")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "inactive", body["status"])

	_, id := f.host(t)

	// input is lowercased before the lookup
	code, body = f.get(t, "/api/validate/"+strings.ToUpper(id))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "active", body["status"])
	require.EqualValues(t, 0, body["clientCount"])

	code, body = f.get(t, "/api/session/"+id)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["exists"])
	require.Equal(t, true, body["hasHost"])

	// unknown sessions answer 200 with exists false, not 404
	code, body = f.get(t, "/api/session/missing1")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["exists"])
}

func TestSessionCRUDOverHTTP(t *testing.T) {
	f := newWebFixture(t)

	code, body := f.post(t, "/sessions/create", map[string]interface{}{})
	require.Equal(t, http.StatusOK, code)
	id, _ := body["sessionId"].(string)
	require.Len(t, id, 8)

	code, body = f.post(t, "/sessions/create", map[string]interface{}{"sessionId": "ABCD1234"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "abcd1234", body["sessionId"])

	code, _ = f.post(t, "/sessions/create", map[string]interface{}{"sessionId": "abcd1234"})
	require.Equal(t, http.StatusConflict, code)

	code, _ = f.post(t, "/sessions/create", map[string]interface{}{"sessionId": "not/valid"})
	require.Equal(t, http.StatusBadRequest, code)

	code, body = f.get(t, "/sessions")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, body["count"])

	code, _ = f.delete(t, "/sessions/abcd1234")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.delete(t, "/sessions/abcd1234")
	require.Equal(t, http.StatusNotFound, code)
}

func TestRegeneratePlaceholderFlow(t *testing.T) {
	f := newWebFixture(t)

	// an unknown link becomes an empty placeholder session
	code, body := f.post(t, "/api/regenerate/room4321", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["created"])

	code, body = f.get(t, "/api/session/room4321")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["placeholder"])
	require.Equal(t, false, body["hasHost"])

	// a host claims the placeholder with the legacy host verb
	p := f.dial(t, nil)
	p.send(signal.Frame{"type": signal.TypeJoin, "linkId": "room4321", "isHost": true})
	joined := p.waitType(signal.TypeJoined)
	require.Equal(t, "room4321", joined["sessionId"])

	// regenerating a live link tags it instead of replacing it
	code, body = f.post(t, "/api/regenerate/room4321", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["regenerated"])
	require.Equal(t, true, body["hasHost"])

	code, _ = f.post(t, "/api/regenerate/not_a_link!", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestOperatorKick(t *testing.T) {
	f := newWebFixture(t)
	_, id := f.host(t)
	client := f.join(t, id)

	code, body := f.post(t, "/sessions/"+id+"/kick", map[string]interface{}{
		"clientConnectionId": client.id,
		"reason":             "operator action",
	})
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 0, body["clientCount"])

	kicked := client.waitType(signal.TypeKicked)
	require.Equal(t, "operator action", kicked["reason"])

	// kicking a connection that is not a member is a 404
	code, _ = f.post(t, "/sessions/"+id+"/kick", map[string]interface{}{
		"clientConnectionId": client.id,
	})
	require.Equal(t, http.StatusNotFound, code)
}

func TestOperatorPasswordAndRegenerate(t *testing.T) {
	f := newWebFixture(t)
	host, id := f.host(t)

	code, body := f.post(t, "/sessions/"+id+"/password", map[string]interface{}{"password": "s3cret"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["passwordRequired"])

	// joining without the password now fails
	p := f.dial(t, nil)
	p.send(signal.Frame{"type": signal.TypeJoin, "linkId": id})
	joinErr := p.waitType(signal.TypeJoinError)
	require.Equal(t, "Invalid password", joinErr["error"])

	code, body = f.post(t, "/sessions/"+id+"/regenerate-link", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, id, body["oldSessionId"])
	newID, _ := body["newSessionId"].(string)
	require.Len(t, newID, 8)
	require.NotEqual(t, id, newID)

	// the host is moved over and told about the new link
	changed := host.waitType(signal.TypeSessionLinkChanged)
	require.Equal(t, newID, changed["newSessionId"])
	code, body = f.get(t, "/api/validate/"+newID)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "active", body["status"])

	code, _ = f.post(t, "/sessions/"+id+"/unknown-verb", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestIntrospectionEndpoints(t *testing.T) {
	f := newWebFixture(t)
	host, id := f.host(t)
	client := f.join(t, id)

	code, body := f.get(t, "/sessions/"+id+"/clients")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["clientCount"])
	hostSnap, ok := body["host"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, host.id, hostSnap["connectionId"])
	clients, ok := body["clients"].([]interface{})
	require.True(t, ok)
	require.Len(t, clients, 1)

	code, body = f.get(t, "/connections")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, body["count"])

	// only peers in the client role
	code, body = f.get(t, "/clients")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["count"])
	only, ok := body["clients"].([]interface{})
	require.True(t, ok)
	first, ok := only[0].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, client.id, first["connectionId"])
}

// fakeBroker is an in-memory DomainService
type fakeBroker struct {
	mu       sync.Mutex
	requests []domain.Request
	records  map[string]*domain.Domain
	fail     error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{records: make(map[string]*domain.Domain)}
}

func (b *fakeBroker) RequestDomain(ctx context.Context, req domain.Request) (*domain.Domain, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	b.requests = append(b.requests, req)
	record := &domain.Domain{
		ID:          "dom-1",
		RequesterID: req.RequesterID,
		Subdomain:   req.Subdomain,
		BaseDomain:  req.BaseDomain,
		FullName:    req.Subdomain + "." + req.BaseDomain,
		Status:      domain.StatusActive,
	}
	b.records[record.ID] = record
	return record, nil
}

func (b *fakeBroker) ReleaseDomain(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[id]; !ok {
		return trace.NotFound("domain %q is not found", id)
	}
	delete(b.records, id)
	return nil
}

func (b *fakeBroker) Domains() []*domain.Domain {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*domain.Domain, 0, len(b.records))
	for _, record := range b.records {
		out = append(out, record)
	}
	return out
}

func (b *fakeBroker) CreatePermit(req domain.PermitRequest) (*domain.Permit, error) {
	return &domain.Permit{Token: "feedfacefeedfacefeedfacefeedface", Pattern: req.Pattern}, nil
}

func (b *fakeBroker) CreateTempURL(domainID string, req domain.TempURLRequest) (*domain.TempURL, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[domainID]; !ok {
		return nil, trace.NotFound("domain %q is not found", domainID)
	}
	return &domain.TempURL{ID: "tmp-1", DomainID: domainID}, nil
}

func TestDomainRoutes(t *testing.T) {
	broker := newFakeBroker()
	f := newWebFixture(t, func(cfg *Config) { cfg.Broker = broker })

	code, body := f.post(t, "/domains/request", map[string]interface{}{
		"subdomain":  "myroom",
		"baseDomain": "openlink.test",
		"targetHost": "127.0.0.1",
		"targetPort": 8443,
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "myroom.openlink.test", body["fullName"])
	// HTTP callers without a connection get the operator requester tag
	require.Equal(t, "operator", broker.requests[0].RequesterID)

	code, body = f.get(t, "/domains")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["count"])

	code, _ = f.post(t, "/domains/permits", map[string]interface{}{"pattern": "*.openlink.test"})
	require.Equal(t, http.StatusOK, code)

	code, _ = f.post(t, "/domains/dom-1/temp-urls", map[string]interface{}{})
	require.Equal(t, http.StatusOK, code)

	code, _ = f.delete(t, "/domains/dom-1")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.delete(t, "/domains/dom-1")
	require.Equal(t, http.StatusNotFound, code)

	// an externally managed name is a conflict, not a server fault
	broker.fail = trace.CompareFailed("domain is managed outside this server")
	code, _ = f.post(t, "/domains/request", map[string]interface{}{
		"subdomain":  "taken",
		"baseDomain": "openlink.test",
		"targetHost": "127.0.0.1",
		"targetPort": 8443,
	})
	require.Equal(t, http.StatusConflict, code)
}

func TestDomainRoutesDisabled(t *testing.T) {
	f := newWebFixture(t)

	code, _ := f.get(t, "/domains")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = f.post(t, "/domains/request", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestSignalingForward(t *testing.T) {
	f := newWebFixture(t)
	host, id := f.host(t)
	client := f.join(t, id)

	code, body := f.post(t, "/signaling/offer", map[string]interface{}{
		"fromId":   host.id,
		"targetId": client.id,
		"sdp":      "v=0",
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["delivered"])

	offer := client.waitType(signal.TypeOffer)
	require.Equal(t, host.id, offer["fromId"])
	require.Equal(t, "v=0", offer["sdp"])

	code, _ = f.post(t, "/signaling/bogus", map[string]interface{}{
		"fromId": host.id, "targetId": client.id,
	})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = f.post(t, "/signaling/answer", map[string]interface{}{
		"targetId": client.id,
	})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = f.post(t, "/signaling/answer", map[string]interface{}{
		"fromId": host.id, "targetId": "0000000000000000deadbeefdeadbeef",
	})
	require.Equal(t, http.StatusNotFound, code)
}

func TestMonitorRoutes(t *testing.T) {
	f := newWebFixture(t)

	code, _ := f.post(t, "/monitor/report", map[string]interface{}{
		"instanceId": "peer-1",
		"version":    "2.1.0",
		"peerCount":  4,
	})
	require.Equal(t, http.StatusOK, code)

	code, body := f.get(t, "/monitor/instances")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["count"])

	code, _ = f.get(t, "/monitor/alerts")
	require.Equal(t, http.StatusOK, code)

	code, _ = f.delete(t, "/monitor/instances/peer-1")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.delete(t, "/monitor/instances/peer-1")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = f.post(t, "/monitor/report", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestClientsMonitorStream(t *testing.T) {
	f := newWebFixture(t)
	f.host(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/clients/monitor", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	events := 0
	for events < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snapshot map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snapshot))
		require.EqualValues(t, 1, snapshot["peerCount"])
		require.EqualValues(t, 1, snapshot["sessionCount"])
		events++
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newWebFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.openlink.test")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
