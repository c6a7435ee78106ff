// Package wsbridge implements the server side of the agent control protocol:
// the WebSocket endpoint the in-page agent connects to, the frame codec, and
// the connection registry that routes frames onto per-request queues.
package wsbridge

import (
	"encoding/json"

	"github.com/studioproxy/StudioProxyAPI/internal/constant"
)

// Frame is one JSON message on the server/agent WebSocket. The same struct
// covers both directions; unused fields are omitted on the wire.
type Frame struct {
	// Type is the event type ("proxy_request", "chunk", ...).
	Type string `json:"event_type"`

	// RequestID correlates the frame with an inbound HTTP request.
	RequestID string `json:"request_id,omitempty"`

	// Fields of a proxy_request frame.
	Method        string            `json:"method,omitempty"`
	Path          string            `json:"path,omitempty"`
	QueryParams   map[string]string `json:"query_params,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"`
	BodyB64       string            `json:"body_b64,omitempty"`
	StreamingMode string            `json:"streaming_mode,omitempty"`
	IsGenerative  bool              `json:"is_generative,omitempty"`

	// Fields of response_headers / chunk / error frames.
	Status  int    `json:"status,omitempty"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`

	// Level is carried by set_log_level frames.
	Level string `json:"level,omitempty"`
}

// ParseFrame decodes a frame received from the agent.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// CancelFrame builds a cancel_request frame for the given request id.
func CancelFrame(requestID string) *Frame {
	return &Frame{Type: constant.FrameCancel, RequestID: requestID}
}

// LogLevelFrame builds a set_log_level frame.
func LogLevelFrame(level string) *Frame {
	return &Frame{Type: constant.FrameSetLogLevel, Level: level}
}

// streamEnd is the sentinel enqueued when the agent reports stream_close.
type streamEnd struct{}

// StreamEnd marks the end of a request's useful output. The pipeline compares
// dequeued values against it to detect stream termination.
var StreamEnd any = streamEnd{}
