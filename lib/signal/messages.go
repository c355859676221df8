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

package signal

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/Raywonder/openlink-sub002/lib/domain"
	"github.com/Raywonder/openlink-sub002/lib/session"
)

// Inbound verb names. Several verbs keep a legacy spelling accepted by the
// deployed clients of the original server.
const (
	TypeCreateSession    = "create_session"
	TypeHostSession      = "host_session"
	TypeJoin             = "join"
	TypeJoinAsHost       = "host" // legacy alias for join with isHost
	TypeLeave            = "leave"
	TypeChangeSessionID  = "change_session_id"
	TypeUpdateSettings   = "update_settings"
	TypeUpdatePassword   = "update_password"
	TypeChangePassword   = "change-password" // legacy alias
	TypeKickClient       = "kick-client"
	TypeKick             = "kick" // legacy alias
	TypeRegenerateLink   = "regenerate-link"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeICECandidate     = "ice-candidate"
	TypeICECandidateOld  = "ice_candidate" // legacy alias
	TypeBroadcast        = "broadcast"
	TypePing             = "ping"
	TypeClientInfo       = "client-info"
	TypeClientInfoLegacy = "client_info" // legacy alias
	TypeRequestDomain    = "request_domain"
	TypeReleaseDomain    = "release_domain"
)

// Outbound frame types
const (
	TypeWelcome            = "welcome"
	TypeSessionCreated     = "session_created"
	TypeJoined             = "joined"
	TypeJoinError          = "join_error"
	TypeClientJoined       = "client_joined"
	TypePeerLeft           = "peer_left"
	TypeKicked             = "kicked"
	TypeClientKicked       = "client_kicked"
	TypePasswordChanged    = "password_changed"
	TypeSettingsUpdated    = "settings_updated"
	TypeSessionIDChanged   = "session_id_changed"
	TypeSessionLinkChanged = "session_link_changed"
	TypePong               = "pong"
	TypeError              = "error"
	TypeDomainReady        = "domain_ready"
	TypeDomainReleased     = "domain_released"
)

// Frame is one JSON message on a peer channel. Signaling payloads are
// opaque to the server, so frames stay schemaless maps: the dispatcher
// reads the routing fields and forwards everything else untouched.
type Frame map[string]interface{}

// Type returns the frame's type discriminator
func (f Frame) Type() string {
	t, _ := f["type"].(string)
	return t
}

// RequestID returns the caller-supplied request correlation ID
func (f Frame) RequestID() string {
	id, _ := f["requestId"].(string)
	return id
}

// ParseFrame decodes one inbound frame
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, trace.BadParameter("malformed frame: %v", err)
	}
	if f.Type() == "" {
		return nil, trace.BadParameter("frame is missing a type")
	}
	return f, nil
}

// decode re-marshals the routing fields of a frame into a typed request
func (f Frame) decode(out interface{}) error {
	data, err := json.Marshal(f)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return trace.BadParameter("malformed frame: %v", err)
	}
	return nil
}

type createSessionRequest struct {
	LinkID        string            `json:"linkId"`
	SessionID     string            `json:"sessionId"`
	Password      string            `json:"password"`
	Settings      *session.Settings `json:"settings"`
	DomainRequest *domain.Request   `json:"domainRequest"`
}

type joinRequest struct {
	LinkID    string `json:"linkId"`
	SessionID string `json:"sessionId"`
	Password  string `json:"password"`
	IsHost    bool   `json:"isHost"`
}

type leaveRequest struct {
	Reason string `json:"reason"`
}

type kickRequest struct {
	ClientConnectionID string `json:"clientConnectionId"`
	Reason             string `json:"reason"`
}

type changePasswordRequest struct {
	Password string `json:"password"`
}

type changeSessionIDRequest struct {
	NewSessionID string `json:"newSessionId"`
}

type updateSettingsRequest struct {
	Settings session.Settings `json:"settings"`
}

type relayRequest struct {
	TargetID string `json:"targetId"`
}

type clientInfoRequest struct {
	Platform          string `json:"platform"`
	OS                string `json:"os"`
	OSVersion         string `json:"osVersion"`
	Arch              string `json:"arch"`
	Locale            string `json:"locale"`
	AppVersion        string `json:"appVersion"`
	MachineID         string `json:"machineId"`
	WalletFingerprint string `json:"walletFingerprint"`
}

type requestDomainRequest struct {
	Domain domain.Request `json:"domain"`
}

type releaseDomainRequest struct {
	DomainID string `json:"domainId"`
}
