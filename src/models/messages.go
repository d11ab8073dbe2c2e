package models

// -----------------------------------------------------------------------------
// Downstream protocol messages (server -> dashboard)
// -----------------------------------------------------------------------------

const (
	MsgSnapshot         = "snapshot"
	MsgConnectionStatus = "connection_status"
	MsgTick             = "tick"
	MsgHeartbeat        = "heartbeat"
	MsgPong             = "pong"
	MsgKeepalive        = "keepalive"
	MsgPing             = "ping"
)

// MSnapshotMessage is sent once when a subscriber connects. Instruments with no
// known tick map to null.
type MSnapshotMessage struct {
	Type         string            `json:"type"`
	Data         map[string]*MTick `json:"data"`
	MarketStatus SessionPhase      `json:"marketStatus"`
}

// MConnectionStatusMessage describes feed health and credential state.
type MConnectionStatusMessage struct {
	Type             string          `json:"type"`
	ConnectionHealth MFeedHealth     `json:"connectionHealth"`
	AuthState        CredentialState `json:"authState"`
	MarketStatus     SessionPhase    `json:"marketStatus"`
}

type MTickMessage struct {
	Type string `json:"type"`
	Data MTick  `json:"data"`
}

type MHeartbeatMessage struct {
	Type             string       `json:"type"`
	Connections      int          `json:"connections"`
	MarketStatus     SessionPhase `json:"marketStatus"`
	ConnectionHealth MFeedHealth  `json:"connectionHealth"`
	Timestamp        int64        `json:"timestamp"`
}

// MControlMessage covers pong, keepalive and inbound ping frames.
type MControlMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
