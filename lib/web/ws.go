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
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/Raywonder/openlink-sub002/lib/defaults"
	"github.com/Raywonder/openlink-sub002/lib/signal"
)

// handleWebsocket accepts a duplex signaling channel. The handler
// goroutine is the read pump: it feeds inbound frames to the dispatcher
// one at a time, preserving per-peer order. Writes go through the peer's
// queue, pings through a side goroutine; gorilla permits WriteControl
// concurrent with WriteMessage.
func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("Websocket upgrade failed.")
		return
	}
	peer, err := signal.NewPeer(signal.PeerConfig{
		Conn:          conn,
		RemoteAddr:    r.RemoteAddr,
		UserAgent:     r.UserAgent(),
		Locale:        preferredLocale(r.Header.Get("Accept-Language")),
		SubdomainHint: SubdomainHint(r.Host, h.cfg.BaseDomains),
		Clock:         h.clock,
		Log:           h.log,
	})
	if err != nil {
		h.log.WithError(err).Warn("Failed to allocate peer record.")
		conn.Close()
		return
	}

	h.cfg.Dispatcher.Register(peer)
	defer h.cfg.Dispatcher.Disconnect(r.Context(), peer)

	conn.SetReadDeadline(time.Now().Add(defaults.PeerIdleTimeout))
	conn.SetPongHandler(func(string) error {
		peer.Ping()
		return conn.SetReadDeadline(time.Now().Add(defaults.PeerIdleTimeout))
	})
	go h.pingLoop(conn, peer)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.WithError(err).Debug("Peer channel read failed.")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(defaults.PeerIdleTimeout))
		h.cfg.Dispatcher.HandleFrame(r.Context(), peer, data)
	}
}

// pingLoop keeps the channel's read deadline alive through pong responses
func (h *Handler) pingLoop(conn *websocket.Conn, peer *signal.Peer) {
	ticker := time.NewTicker(defaults.WebsocketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-peer.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(defaults.PeerSendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				peer.Close()
				return
			}
		}
	}
}

// preferredLocale returns the first tag of an Accept-Language header
func preferredLocale(header string) string {
	first := strings.SplitN(header, ",", 2)[0]
	first = strings.SplitN(first, ";", 2)[0]
	return strings.TrimSpace(first)
}
