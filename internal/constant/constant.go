// Package constant defines dialect and protocol constants used throughout the
// Studio Proxy API. These constants identify the supported wire dialects and
// the frame types of the agent control protocol, ensuring consistent naming
// across the application.
package constant

const (
	// Gemini represents the native Gemini REST dialect identifier.
	Gemini = "gemini"

	// OpenAI represents the OpenAI chat-completions dialect identifier.
	OpenAI = "openai"

	// Claude represents the Anthropic messages dialect identifier.
	Claude = "claude"
)

// WebSocketPort is the fixed loopback port the in-page agent connects to.
const WebSocketPort = 9998

// Frame types sent from the server to the in-page agent.
const (
	FrameProxyRequest = "proxy_request"
	FrameCancel       = "cancel_request"
	FrameSetLogLevel  = "set_log_level"
)

// Frame types received from the in-page agent.
const (
	FrameResponseHeaders = "response_headers"
	FrameChunk           = "chunk"
	FrameStreamClose     = "stream_close"
	FrameError           = "error"
)

// Streaming modes carried on a proxy_request frame. In real mode the agent
// forwards each upstream chunk as it arrives; in fake mode it accumulates the
// whole body and forwards it once.
const (
	StreamModeReal = "real"
	StreamModeFake = "fake"
)
