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

// Package web implements the outer surface of the rendezvous server: the
// control HTTP API, the websocket acceptor feeding the signaling
// dispatcher, and the host-header subdomain extraction.
package web

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/defaults"
	"github.com/Raywonder/openlink-sub002/lib/domain"
	"github.com/Raywonder/openlink-sub002/lib/httplib"
	"github.com/Raywonder/openlink-sub002/lib/monitor"
	"github.com/Raywonder/openlink-sub002/lib/session"
	"github.com/Raywonder/openlink-sub002/lib/signal"
)

// sessionIDRe accepts the 8-char link ID and the 32-hex identifier
var sessionIDRe = regexp.MustCompile(`^[a-z0-9]{8}$|^[0-9a-f]{32}$`)

// DomainService is the slice of the domain broker the control API exposes
type DomainService interface {
	RequestDomain(ctx context.Context, req domain.Request) (*domain.Domain, error)
	ReleaseDomain(ctx context.Context, id string) error
	Domains() []*domain.Domain
	CreatePermit(req domain.PermitRequest) (*domain.Permit, error)
	CreateTempURL(domainID string, req domain.TempURLRequest) (*domain.TempURL, error)
}

// Config configures a Handler
type Config struct {
	// Registry is the session registry
	Registry *session.Registry
	// Dispatcher interprets signaling frames and serves the operator verbs
	Dispatcher *signal.Dispatcher
	// Broker serves the domain routes, nil disables them
	Broker DomainService
	// Hub is the peered instance beacon inbox, nil disables the monitor
	// routes
	Hub *monitor.Hub
	// InstanceID identifies this server
	InstanceID string
	// ServerVersion is reported on /health
	ServerVersion string
	// BaseDomains feeds the Host header subdomain extraction
	BaseDomains []string
	// CORSOrigins is the allowed origin list, empty allows any
	CORSOrigins []string
	// MonitorInterval is the SSE snapshot cadence
	MonitorInterval time.Duration
	// Clock is the time source
	Clock clockwork.Clock
	// Log is the component logger
	Log log.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("web: session registry is required")
	}
	if c.Dispatcher == nil {
		return trace.BadParameter("web: dispatcher is required")
	}
	if c.ServerVersion == "" {
		c.ServerVersion = openlink.Version
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = defaults.ClientMonitorInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(openlink.Component, openlink.ComponentWeb)
	}
	return nil
}

// Handler is the control HTTP API plus the websocket acceptor
type Handler struct {
	httprouter.Router
	cfg       Config
	clock     clockwork.Clock
	log       log.FieldLogger
	startedAt time.Time
	upgrader  websocket.Upgrader
}

// NewHandler returns a Handler with all routes bound
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Log,
		startedAt: cfg.Clock.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	h.GET("/health", httplib.MakeHandler(h.health))
	h.Handler("GET", "/metrics", promhttp.Handler())

	h.GET("/api/validate/:link", httplib.MakeHandler(h.validateLink))
	h.POST("/api/regenerate/:link", httplib.MakeHandler(h.regenerateLink))
	h.GET("/api/session/:id", httplib.MakeHandler(h.sessionInfo))

	// The router rejects a static segment next to a wildcard at the same
	// level, so the POST families under /sessions and /domains go through
	// one wildcard and dispatch on the captured segment: /sessions/create
	// and /sessions/:id/kick share a route.
	h.GET("/sessions", httplib.MakeHandler(h.listSessions))
	h.POST("/sessions/:id", httplib.MakeHandler(h.postSession))
	h.POST("/sessions/:id/:verb", httplib.MakeHandler(h.sessionVerb))
	h.DELETE("/sessions/:id", httplib.MakeHandler(h.deleteSession))
	h.GET("/sessions/:id/clients", httplib.MakeHandler(h.sessionClients))

	h.GET("/clients", httplib.MakeHandler(h.listClients))
	h.GET("/connections", httplib.MakeHandler(h.listConnections))
	h.GET("/clients/monitor", h.clientsMonitor)

	h.GET("/domains", httplib.MakeHandler(h.listDomains))
	h.POST("/domains/:id", httplib.MakeHandler(h.postDomain))
	h.POST("/domains/:id/temp-urls", httplib.MakeHandler(h.createTempURL))
	h.DELETE("/domains/:id", httplib.MakeHandler(h.releaseDomain))

	h.POST("/signaling/:kind", httplib.MakeHandler(h.forwardSignaling))

	h.POST("/monitor/report", httplib.MakeHandler(h.monitorReport))
	h.GET("/monitor/instances", httplib.MakeHandler(h.monitorInstances))
	h.GET("/monitor/alerts", httplib.MakeHandler(h.monitorAlerts))
	h.DELETE("/monitor/instances/:id", httplib.MakeHandler(h.monitorRemove))

	h.GET("/ws", h.handleWebsocket)
	return h, nil
}

// ServeHTTP applies the CORS posture before routing; preflights are
// answered without touching the route table
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httplib.SetCORSHeaders(w, r, h.cfg.CORSOrigins)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.Router.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	now := h.clock.Now()
	return map[string]interface{}{
		"status":       "ok",
		"version":      h.cfg.ServerVersion,
		"gitref":       openlink.Gitref,
		"instanceId":   h.cfg.InstanceID,
		"uptime":       humanize.RelTime(h.startedAt, now, "", ""),
		"peerCount":    h.cfg.Dispatcher.Count(),
		"sessionCount": h.cfg.Registry.Len(),
		"timestamp":    now.UnixMilli(),
	}, nil
}

// validateLink reports whether a link is joinable. The probe always
// answers 200: distinguishing the states is the caller's job, not the
// status code's.
func (h *Handler) validateLink(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	link := strings.ToLower(strings.TrimSpace(p.ByName("link")))
	s, err := h.cfg.Registry.Get(link)
	if err != nil {
		if trace.IsNotFound(err) {
			return map[string]interface{}{"link": link, "status": "inactive", "clientCount": 0}, nil
		}
		return nil, trace.Wrap(err)
	}
	snap := s.Snapshot()
	status := "active"
	if snap.HostID == "" {
		status = "no_host"
	}
	return map[string]interface{}{
		"link":        snap.ID,
		"status":      status,
		"clientCount": len(snap.ClientIDs),
	}, nil
}

// regenerateLink reserves a link out of band: an unknown link becomes an
// empty placeholder session a host can claim later, a known one is tagged
// regenerated and kept
func (h *Handler) regenerateLink(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	link := strings.ToLower(strings.TrimSpace(p.ByName("link")))
	if !sessionIDRe.MatchString(link) {
		return nil, trace.BadParameter("invalid session ID format %q", link)
	}
	s, err := h.cfg.Registry.Get(link)
	if trace.IsNotFound(err) {
		s, err = h.cfg.Registry.Create(link, session.Settings{Placeholder: true})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		h.log.WithField("session", link).Info("Reserved placeholder session.")
		return map[string]interface{}{"sessionId": s.ID, "created": true}, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.Lock()
	s.Regenerated = true
	s.LastActive = h.clock.Now()
	hasHost := s.HostID != ""
	s.Unlock()
	return map[string]interface{}{
		"sessionId":   link,
		"regenerated": true,
		"hasHost":     hasHost,
	}, nil
}

// sessionInfo answers 200 for unknown sessions too, with exists false
func (h *Handler) sessionInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	id := strings.ToLower(strings.TrimSpace(p.ByName("id")))
	s, err := h.cfg.Registry.Get(id)
	if err != nil {
		if trace.IsNotFound(err) {
			return map[string]interface{}{"sessionId": id, "exists": false}, nil
		}
		return nil, trace.Wrap(err)
	}
	snap := s.Snapshot()
	return map[string]interface{}{
		"sessionId":   snap.ID,
		"exists":      true,
		"hasHost":     snap.HostID != "",
		"clientCount": len(snap.ClientIDs),
		"regenerated": snap.Regenerated,
		"placeholder": snap.Settings.Placeholder,
		"createdAt":   snap.CreatedAt,
		"lastActive":  snap.LastActive,
		"stats":       snap.Stats,
	}, nil
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	live := h.cfg.Registry.Sessions()
	out := make([]interface{}, 0, len(live))
	for _, s := range live {
		out = append(out, sessionSummary(s))
	}
	return map[string]interface{}{"sessions": out, "count": len(out)}, nil
}

// sessionSummary is the operator view of a session snapshot, the password
// value never leaves the registry
func sessionSummary(s *session.Session) map[string]interface{} {
	return map[string]interface{}{
		"sessionId":        s.ID,
		"hasHost":          s.HostID != "",
		"clientCount":      len(s.ClientIDs),
		"passwordRequired": s.Settings.Password != "",
		"maxClients":       s.Settings.MaxClients,
		"placeholder":      s.Settings.Placeholder,
		"regenerated":      s.Regenerated,
		"domainIds":        s.DomainIDs,
		"createdAt":        s.CreatedAt,
		"lastActive":       s.LastActive,
		"stats":            s.Stats,
	}
}

// postSession serves POST /sessions/create through the wildcard route
func (h *Handler) postSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if p.ByName("id") != "create" {
		return nil, trace.NotFound("unknown endpoint POST /sessions/%v", p.ByName("id"))
	}
	return h.createSession(w, r, p)
}

// sessionVerb serves the operator verbs on one session
func (h *Handler) sessionVerb(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	switch p.ByName("verb") {
	case "kick":
		return h.kickClient(w, r, p)
	case "password":
		return h.setPassword(w, r, p)
	case "regenerate-link":
		return h.operatorRegenerate(w, r, p)
	default:
		return nil, trace.NotFound("unknown endpoint POST /sessions/:id/%v", p.ByName("verb"))
	}
}

// postDomain serves POST /domains/request and /domains/permits through the
// wildcard route
func (h *Handler) postDomain(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	switch p.ByName("id") {
	case "request":
		return h.requestDomain(w, r, p)
	case "permits":
		return h.createPermit(w, r, p)
	default:
		return nil, trace.NotFound("unknown endpoint POST /domains/%v", p.ByName("id"))
	}
}

type createSessionReq struct {
	SessionID string           `json:"sessionId"`
	Settings  session.Settings `json:"settings"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req createSessionReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	id := strings.ToLower(strings.TrimSpace(req.SessionID))
	if id == "" {
		fresh, err := h.cfg.Registry.NewLinkID()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		id = fresh
	}
	if !sessionIDRe.MatchString(id) {
		return nil, trace.BadParameter("invalid session ID format %q", id)
	}
	s, err := h.cfg.Registry.Create(id, req.Settings)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"sessionId": s.ID}, nil
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	id := p.ByName("id")
	if err := h.cfg.Registry.Destroy(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"message": "session destroyed"}, nil
}

type kickReq struct {
	ClientConnectionID string `json:"clientConnectionId"`
	Reason             string `json:"reason"`
}

func (h *Handler) kickClient(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req kickReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.ClientConnectionID == "" {
		return nil, trace.BadParameter("clientConnectionId is required")
	}
	count, err := h.cfg.Dispatcher.OperatorKick(p.ByName("id"), req.ClientConnectionID, req.Reason)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"clientCount": count}, nil
}

type passwordReq struct {
	Password string `json:"password"`
}

func (h *Handler) setPassword(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req passwordReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Dispatcher.OperatorSetPassword(p.ByName("id"), req.Password); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"passwordRequired": req.Password != ""}, nil
}

func (h *Handler) operatorRegenerate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	oldID, newID, err := h.cfg.Dispatcher.OperatorRegenerateLink(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"oldSessionId": oldID, "newSessionId": newID}, nil
}

func (h *Handler) sessionClients(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	s, err := h.cfg.Registry.Get(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	snap := s.Snapshot()
	out := map[string]interface{}{"sessionId": snap.ID}
	if snap.HostID != "" {
		if host := h.cfg.Dispatcher.Peer(snap.HostID); host != nil {
			out["host"] = host.Snapshot()
		}
	}
	clients := make([]signal.PeerSnapshot, 0, len(snap.ClientIDs))
	for _, id := range snap.ClientIDs {
		if member := h.cfg.Dispatcher.Peer(id); member != nil {
			clients = append(clients, member.Snapshot())
		}
	}
	out["clients"] = clients
	out["clientCount"] = len(clients)
	return out, nil
}

func (h *Handler) listClients(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	all := h.cfg.Dispatcher.Snapshots()
	clients := make([]signal.PeerSnapshot, 0, len(all))
	for _, snap := range all {
		if snap.Role == signal.RoleClient {
			clients = append(clients, snap)
		}
	}
	return map[string]interface{}{"clients": clients, "count": len(clients)}, nil
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	all := h.cfg.Dispatcher.Snapshots()
	return map[string]interface{}{"connections": all, "count": len(all)}, nil
}

func (h *Handler) requestDomain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if h.cfg.Broker == nil {
		return nil, trace.BadParameter("domain provisioning is not enabled")
	}
	var req domain.Request
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.RequesterID == "" {
		req.RequesterID = "operator"
	}
	record, err := h.cfg.Broker.RequestDomain(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

func (h *Handler) listDomains(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if h.cfg.Broker == nil {
		return nil, trace.BadParameter("domain provisioning is not enabled")
	}
	records := h.cfg.Broker.Domains()
	return map[string]interface{}{"domains": records, "count": len(records)}, nil
}

func (h *Handler) releaseDomain(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if h.cfg.Broker == nil {
		return nil, trace.BadParameter("domain provisioning is not enabled")
	}
	if err := h.cfg.Broker.ReleaseDomain(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"message": "domain released"}, nil
}

func (h *Handler) createPermit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if h.cfg.Broker == nil {
		return nil, trace.BadParameter("domain provisioning is not enabled")
	}
	var req domain.PermitRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	permit, err := h.cfg.Broker.CreatePermit(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return permit, nil
}

func (h *Handler) createTempURL(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if h.cfg.Broker == nil {
		return nil, trace.BadParameter("domain provisioning is not enabled")
	}
	var req domain.TempURLRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	tempURL, err := h.cfg.Broker.CreateTempURL(p.ByName("id"), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tempURL, nil
}

// signalingKinds maps the out-of-band route to the frame type forwarded on
// the duplex channel
var signalingKinds = map[string]string{
	"offer":         signal.TypeOffer,
	"answer":        signal.TypeAnswer,
	"ice-candidate": signal.TypeICECandidate,
}

// forwardSignaling relays a signaling payload on behalf of a sender without
// a duplex channel, going through the same dispatcher internals as the
// websocket relay
func (h *Handler) forwardSignaling(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	frameType, ok := signalingKinds[p.ByName("kind")]
	if !ok {
		return nil, trace.BadParameter("unknown signaling kind %q", p.ByName("kind"))
	}
	var frame signal.Frame
	if err := httplib.ReadJSON(r, &frame); err != nil {
		return nil, trace.Wrap(err)
	}
	fromID, _ := frame["fromId"].(string)
	if fromID == "" {
		return nil, trace.BadParameter("fromId is required")
	}
	frame["type"] = frameType
	if err := h.cfg.Dispatcher.ForwardFrame(fromID, frame); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"delivered": true}, nil
}

func (h *Handler) monitorReport(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if h.cfg.Hub == nil {
		return nil, trace.BadParameter("instance monitoring is not enabled")
	}
	var beacon monitor.Beacon
	if err := httplib.ReadJSON(r, &beacon); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Hub.Report(beacon); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"message": "ok"}, nil
}

func (h *Handler) monitorInstances(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if h.cfg.Hub == nil {
		return nil, trace.BadParameter("instance monitoring is not enabled")
	}
	instances := h.cfg.Hub.Instances()
	return map[string]interface{}{"instances": instances, "count": len(instances)}, nil
}

func (h *Handler) monitorAlerts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if h.cfg.Hub == nil {
		return nil, trace.BadParameter("instance monitoring is not enabled")
	}
	return map[string]interface{}{"alerts": h.cfg.Hub.Alerts()}, nil
}

func (h *Handler) monitorRemove(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if h.cfg.Hub == nil {
		return nil, trace.BadParameter("instance monitoring is not enabled")
	}
	if err := h.cfg.Hub.Remove(p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"message": "instance removed"}, nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.CORSOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
