package openai

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StreamState carries per-stream bookkeeping across chunk translations.
type StreamState struct {
	ID       string
	Created  int64
	SentRole bool
}

// NewStreamState mints the identifiers reused by every chunk of one stream.
func NewStreamState() *StreamState {
	return &StreamState{
		ID:      fmt.Sprintf("chatcmpl-%s", uuid.NewString()),
		Created: time.Now().Unix(),
	}
}

// ConvertNativeChunkToChat translates one native streaming chunk into an
// OpenAI chat.completion.chunk object. Returns nil when the chunk carries
// nothing a chat client can use.
func ConvertNativeChunkToChat(chunk []byte, modelName string, state *StreamState) []byte {
	root := gjson.ParseBytes(chunk)
	candidate := root.Get("candidates.0")
	if !candidate.Exists() && !root.Get("usageMetadata").Exists() {
		return nil
	}

	out := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{}}]}`
	out, _ = sjson.Set(out, "id", state.ID)
	out, _ = sjson.Set(out, "created", state.Created)
	out, _ = sjson.Set(out, "model", modelName)

	if !state.SentRole {
		out, _ = sjson.Set(out, "choices.0.delta.role", "assistant")
		state.SentRole = true
	}

	text, reasoning := splitParts(candidate.Get("content.parts"))
	if text != "" {
		out, _ = sjson.Set(out, "choices.0.delta.content", text)
	}
	if reasoning != "" {
		out, _ = sjson.Set(out, "choices.0.delta.reasoning_content", reasoning)
	}

	toolCalls := collectToolCalls(candidate.Get("content.parts"))
	if toolCalls != "" {
		out, _ = sjson.SetRaw(out, "choices.0.delta.tool_calls", toolCalls)
	}

	if finish := candidate.Get("finishReason"); finish.Exists() {
		out, _ = sjson.Set(out, "choices.0.finish_reason", mapFinishReason(finish.String(), toolCalls != ""))
	}
	if usage := root.Get("usageMetadata"); usage.Exists() {
		out = setUsage(out, usage)
	}
	return []byte(out)
}

// ConvertNativeResponseToChat translates a complete native generate response
// into a non-streaming chat.completion object.
func ConvertNativeResponseToChat(body []byte, modelName string) []byte {
	root := gjson.ParseBytes(body)
	candidate := root.Get("candidates.0")

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant"}}]}`
	out, _ = sjson.Set(out, "id", fmt.Sprintf("chatcmpl-%s", uuid.NewString()))
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", modelName)

	text, reasoning := splitParts(candidate.Get("content.parts"))
	out, _ = sjson.Set(out, "choices.0.message.content", text)
	if reasoning != "" {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", reasoning)
	}

	toolCalls := collectToolCalls(candidate.Get("content.parts"))
	if toolCalls != "" {
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", toolCalls)
	}

	out, _ = sjson.Set(out, "choices.0.finish_reason", mapFinishReason(candidate.Get("finishReason").String(), toolCalls != ""))
	if usage := root.Get("usageMetadata"); usage.Exists() {
		out = setUsage(out, usage)
	}
	return []byte(out)
}

// splitParts separates candidate parts into visible text and thought text.
func splitParts(parts gjson.Result) (text string, reasoning string) {
	parts.ForEach(func(_, part gjson.Result) bool {
		t := part.Get("text")
		if !t.Exists() {
			return true
		}
		if part.Get("thought").Bool() {
			reasoning += t.String()
		} else {
			text += t.String()
		}
		return true
	})
	return text, reasoning
}

// collectToolCalls converts functionCall parts into an OpenAI tool_calls
// array, or "" when there are none.
func collectToolCalls(parts gjson.Result) string {
	calls := `[]`
	index := 0
	parts.ForEach(func(_, part gjson.Result) bool {
		fc := part.Get("functionCall")
		if !fc.Exists() {
			return true
		}
		call := `{"type":"function","function":{}}`
		call, _ = sjson.Set(call, "id", fmt.Sprintf("call_%s", uuid.NewString()))
		call, _ = sjson.Set(call, "index", index)
		call, _ = sjson.Set(call, "function.name", fc.Get("name").String())
		args := fc.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		call, _ = sjson.Set(call, "function.arguments", args)
		calls, _ = sjson.SetRaw(calls, "-1", call)
		index++
		return true
	})
	if index == 0 {
		return ""
	}
	return calls
}

// mapFinishReason converts native finish reasons to OpenAI vocabulary.
func mapFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "STOP", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	default:
		return "stop"
	}
}

// setUsage copies usageMetadata into an OpenAI usage object.
func setUsage(out string, usage gjson.Result) string {
	out, _ = sjson.Set(out, "usage.prompt_tokens", usage.Get("promptTokenCount").Int())
	out, _ = sjson.Set(out, "usage.completion_tokens", usage.Get("candidatesTokenCount").Int())
	out, _ = sjson.Set(out, "usage.total_tokens", usage.Get("totalTokenCount").Int())
	return out
}
