// Package observerproto defines the messages exchanged with a streaming
// viewer over websocket. Text frames carry JSON; mesh payloads travel in
// binary frames (see frame.go).
package observerproto

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeViewer    = "VIEWER"
	TypeEdit      = "EDIT"
	TypeAck       = "ACK"
	TypeStats     = "STATS"
	TypeMesh      = "MESH"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Client -> Server. First message on the connection. Pos optionally moves
// the viewer before the first mesh is sent; Stats asks for STATS messages.
type SubscribeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Name            string      `json:"name,omitempty"`
	Pos             *[3]float64 `json:"pos,omitempty"`
	Stats           bool        `json:"stats,omitempty"`
}

// Client -> Server. World-space viewer position.
type ViewerMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Pos             [3]float64 `json:"pos"`
}

// Client -> Server. Spherical density edit; negative delta digs.
type EditMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ReqID           string     `json:"req_id"`
	Center          [3]float64 `json:"center"`
	Radius          float64    `json:"radius"`
	Delta           float32    `json:"delta"`
}

// Server -> Client. Answers an EDIT (or rejects a malformed message).
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Chunks          int    `json:"chunks,omitempty"`
}

// Server -> Client. Sampled streamer statistics.
type StatsMsg struct {
	Type              string  `json:"type"`
	ProtocolVersion   string  `json:"protocol_version"`
	Tick              uint64  `json:"tick"`
	LoadedChunks      int     `json:"loaded_chunks"`
	PendingGeneration int     `json:"pending_generation"`
	PendingMesh       int     `json:"pending_mesh"`
	Buffered          int     `json:"buffered"`
	Applied           int     `json:"applied"`
	StepMS            float64 `json:"step_ms"`
	Overrun           bool    `json:"overrun,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	RunID           string       `json:"run_id,omitempty"`
	Tick            uint64       `json:"tick"`
	StreamParams    StreamParams `json:"stream_params"`
}

type StreamParams struct {
	TickRateHz       int     `json:"tick_rate_hz"`
	ChunkEdge        int     `json:"chunk_edge"`
	ViewRadius       int     `json:"view_radius"`
	FirstShellRadius int     `json:"first_shell_radius"`
	Seed             int64   `json:"seed"`
	Iso              float64 `json:"iso"`
	MaxBrushRadius   float64 `json:"max_brush_radius"`
}
