package claude

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StreamEvent is one SSE record of an Anthropic event stream: the event name
// plus its JSON payload.
type StreamEvent struct {
	Event string
	Data  []byte
}

// StreamState tracks the shape of the Anthropic event stream being emitted:
// which content block is open and what kind it is.
type StreamState struct {
	MessageID    string
	started      bool
	blockOpen    bool
	blockIndex   int
	blockThought bool
	inputTokens  int64
	outputTokens int64
	stopReason   string
}

// NewStreamState mints the message id shared by all events of one stream.
func NewStreamState() *StreamState {
	return &StreamState{MessageID: fmt.Sprintf("msg_%s", uuid.NewString())}
}

// ConvertNativeChunkToEvents translates one native streaming chunk into the
// Anthropic events it implies. The first chunk also produces message_start.
func ConvertNativeChunkToEvents(chunk []byte, modelName string, state *StreamState) []StreamEvent {
	root := gjson.ParseBytes(chunk)
	var events []StreamEvent

	if !state.started {
		state.started = true
		msg := `{"type":"message_start","message":{"type":"message","role":"assistant","content":[],"stop_reason":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		msg, _ = sjson.Set(msg, "message.id", state.MessageID)
		msg, _ = sjson.Set(msg, "message.model", modelName)
		events = append(events, StreamEvent{Event: "message_start", Data: []byte(msg)})
	}

	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text := part.Get("text")
		if !text.Exists() || text.String() == "" {
			return true
		}
		thought := part.Get("thought").Bool()

		// Thought and answer text live in separate content blocks.
		if state.blockOpen && state.blockThought != thought {
			events = append(events, state.closeBlock())
		}
		if !state.blockOpen {
			state.blockOpen = true
			state.blockThought = thought
			start := `{"type":"content_block_start","content_block":{}}`
			start, _ = sjson.Set(start, "index", state.blockIndex)
			if thought {
				start, _ = sjson.Set(start, "content_block.type", "thinking")
				start, _ = sjson.Set(start, "content_block.thinking", "")
			} else {
				start, _ = sjson.Set(start, "content_block.type", "text")
				start, _ = sjson.Set(start, "content_block.text", "")
			}
			events = append(events, StreamEvent{Event: "content_block_start", Data: []byte(start)})
		}

		delta := `{"type":"content_block_delta","delta":{}}`
		delta, _ = sjson.Set(delta, "index", state.blockIndex)
		if thought {
			delta, _ = sjson.Set(delta, "delta.type", "thinking_delta")
			delta, _ = sjson.Set(delta, "delta.thinking", text.String())
		} else {
			delta, _ = sjson.Set(delta, "delta.type", "text_delta")
			delta, _ = sjson.Set(delta, "delta.text", text.String())
		}
		events = append(events, StreamEvent{Event: "content_block_delta", Data: []byte(delta)})
		return true
	})

	if usage := root.Get("usageMetadata"); usage.Exists() {
		state.inputTokens = usage.Get("promptTokenCount").Int()
		state.outputTokens = usage.Get("candidatesTokenCount").Int()
	}
	if finish := root.Get("candidates.0.finishReason"); finish.Exists() {
		state.stopReason = mapStopReason(finish.String())
	}
	return events
}

// FinishStream closes the open block and emits message_delta/message_stop.
func (state *StreamState) FinishStream() []StreamEvent {
	var events []StreamEvent
	if state.blockOpen {
		events = append(events, state.closeBlock())
	}
	stopReason := state.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	delta := `{"type":"message_delta","delta":{},"usage":{}}`
	delta, _ = sjson.Set(delta, "delta.stop_reason", stopReason)
	delta, _ = sjson.Set(delta, "usage.input_tokens", state.inputTokens)
	delta, _ = sjson.Set(delta, "usage.output_tokens", state.outputTokens)
	events = append(events, StreamEvent{Event: "message_delta", Data: []byte(delta)})
	events = append(events, StreamEvent{Event: "message_stop", Data: []byte(`{"type":"message_stop"}`)})
	return events
}

func (state *StreamState) closeBlock() StreamEvent {
	stop := `{"type":"content_block_stop"}`
	stop, _ = sjson.Set(stop, "index", state.blockIndex)
	state.blockOpen = false
	state.blockIndex++
	return StreamEvent{Event: "content_block_stop", Data: []byte(stop)}
}

// ConvertNativeResponseToMessage translates a complete native generate
// response into a non-streaming Anthropic message object.
func ConvertNativeResponseToMessage(body []byte, modelName string) []byte {
	root := gjson.ParseBytes(body)
	candidate := root.Get("candidates.0")

	out := `{"type":"message","role":"assistant","content":[],"stop_sequence":null}`
	out, _ = sjson.Set(out, "id", fmt.Sprintf("msg_%s", uuid.NewString()))
	out, _ = sjson.Set(out, "model", modelName)

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		text := part.Get("text")
		if text.Exists() {
			block := `{}`
			if part.Get("thought").Bool() {
				block, _ = sjson.Set(block, "type", "thinking")
				block, _ = sjson.Set(block, "thinking", text.String())
			} else {
				block, _ = sjson.Set(block, "type", "text")
				block, _ = sjson.Set(block, "text", text.String())
			}
			out, _ = sjson.SetRaw(out, "content.-1", block)
			return true
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			block := `{"type":"tool_use","input":{}}`
			block, _ = sjson.Set(block, "id", fmt.Sprintf("toolu_%s", uuid.NewString()))
			block, _ = sjson.Set(block, "name", fc.Get("name").String())
			if args := fc.Get("args"); args.Exists() {
				block, _ = sjson.SetRaw(block, "input", args.Raw)
			}
			out, _ = sjson.SetRaw(out, "content.-1", block)
		}
		return true
	})

	out, _ = sjson.Set(out, "stop_reason", mapStopReason(candidate.Get("finishReason").String()))
	if usage := root.Get("usageMetadata"); usage.Exists() {
		out, _ = sjson.Set(out, "usage.input_tokens", usage.Get("promptTokenCount").Int())
		out, _ = sjson.Set(out, "usage.output_tokens", usage.Get("candidatesTokenCount").Int())
	}
	return []byte(out)
}

// ConvertNativeCountToTokens translates a native countTokens response into
// the Anthropic count-tokens shape.
func ConvertNativeCountToTokens(body []byte) []byte {
	total := gjson.GetBytes(body, "totalTokens").Int()
	out, _ := sjson.Set(`{}`, "input_tokens", total)
	return []byte(out)
}

// mapStopReason converts native finish reasons to Anthropic vocabulary.
func mapStopReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}
