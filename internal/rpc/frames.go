package rpc

import "encoding/json"

// Protocol versions this server speaks.
const (
	ProtocolMin = 1
	ProtocolMax = 1
)

// Frame kinds.
const (
	FrameReq     = "req"
	FrameRes     = "res"
	FrameEvent   = "event"
	FrameHello   = "hello"
	FrameHelloOK = "hello_ok"
	FrameError   = "error"
)

// Frame is the wire frame; fields are populated by kind.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     *Error          `json:"error,omitempty"`

	// event
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// HelloParams is the client's first frame.
type HelloParams struct {
	MinProtocol int        `json:"min_protocol"`
	MaxProtocol int        `json:"max_protocol"`
	Client      ClientInfo `json:"client"`
	Caps        []string   `json:"caps,omitempty"`
	Auth        HelloAuth  `json:"auth"`
}

type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode,omitempty"`
}

type HelloAuth struct {
	Token  string      `json:"token,omitempty"`
	Device *DeviceAuth `json:"device,omitempty"`
}

// DeviceAuth is signed-nonce device authentication.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"` // base64 ed25519
	Signature string `json:"signature"`  // base64 over "{id}:{signed_at}"
	SignedAt  int64  `json:"signed_at"`  // unix seconds
}

// HelloOK is the server's handshake response.
type HelloOK struct {
	Protocol int          `json:"protocol"`
	Server   ServerInfo   `json:"server"`
	Features Features     `json:"features"`
	Snapshot any          `json:"snapshot"`
	Auth     HelloOKAuth  `json:"auth"`
	Policy   HelloOKLimit `json:"policy"`
}

type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	ConnID  string `json:"conn_id"`
}

type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type HelloOKAuth struct {
	DeviceToken string   `json:"device_token,omitempty"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
}

type HelloOKLimit struct {
	MaxPayload     int `json:"max_payload"`
	MaxBuffered    int `json:"max_buffered"`
	TickIntervalMs int `json:"tick_interval_ms"`
}

// Event names.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventTick     = "tick"
	EventShutdown = "shutdown"
	EventSnapshot = "snapshot"
	EventGap      = "gap" // inserted where non-critical events were dropped
)
