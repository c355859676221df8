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
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Raywonder/openlink-sub002/lib/signal"
)

func TestWebsocketWelcome(t *testing.T) {
	f := newWebFixture(t)

	header := http.Header{}
	header.Set("User-Agent", "OpenLink/2.1.0 (Macintosh; arm64 Mac OS X 14_2) Electron/28.1.0")
	header.Set("Accept-Language", "de-DE,de;q=0.9")
	header.Set("Host", "myroom.openlink.test")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var welcome signal.Frame
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, signal.TypeWelcome, welcome.Type())
	require.Equal(t, "2.1.0", welcome["serverVersion"])
	require.Equal(t, "test-instance", welcome["instanceId"])
	require.Equal(t, true, welcome["requestClientInfo"])
	require.Len(t, welcome["connectionId"], 32)
	require.Equal(t, "myroom", welcome["subdomainHint"])

	detected, ok := welcome["detected"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "desktop", detected["platform"])
	require.Equal(t, "macOS", detected["os"])
	require.Equal(t, "de-DE", detected["locale"])
}

func TestWebsocketSessionScenario(t *testing.T) {
	f := newWebFixture(t)
	host, id := f.host(t)
	client := f.join(t, id)

	joined := host.waitType(signal.TypeClientJoined)
	require.Equal(t, client.id, joined["clientConnectionId"])

	// opaque relay with sender annotation
	client.send(signal.Frame{
		"type":     signal.TypeOffer,
		"targetId": host.id,
		"sdp":      "v=0",
	})
	offer := host.waitType(signal.TypeOffer)
	require.Equal(t, client.id, offer["fromId"])
	require.Equal(t, "v=0", offer["sdp"])

	client.send(signal.Frame{"type": signal.TypePing, "requestId": "req-1"})
	pong := client.waitType(signal.TypePong)
	require.Equal(t, "req-1", pong["requestId"])
}

func TestWebsocketDisconnectNotifiesPeers(t *testing.T) {
	f := newWebFixture(t)
	host, id := f.host(t)
	client := f.join(t, id)

	require.NoError(t, client.conn.Close())

	left := host.waitType(signal.TypePeerLeft)
	require.Equal(t, client.id, left["peerId"])
	require.Equal(t, "disconnected", left["reason"])
}

func TestWebsocketOriginRejected(t *testing.T) {
	f := newWebFixture(t, func(cfg *Config) {
		cfg.CORSOrigins = []string{"https://app.openlink.test"}
	})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.Nil(t, conn)
	if resp != nil {
		resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	header.Set("Origin", "https://app.openlink.test")
	conn, resp, err = websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()
}
