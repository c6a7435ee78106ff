// Package claude translates between the Anthropic messages dialect and the
// native Gemini request shape, including the event-stream envelope Anthropic
// clients expect (message_start, content_block_delta, message_stop).
package claude

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertMessagesRequestToNative translates a raw Anthropic messages body
// into a native generateContent body.
//
// Parameters:
//   - rawJSON: The raw JSON bytes of the Anthropic messages request
//
// Returns:
//   - []byte: The native request body
//   - string: The model name from the request (suffixes intact)
func ConvertMessagesRequestToNative(rawJSON []byte) ([]byte, string) {
	root := gjson.ParseBytes(rawJSON)
	model := root.Get("model").String()

	out := `{"contents":[]}`

	if system := systemText(root.Get("system")); system != "" {
		out, _ = sjson.Set(out, "systemInstruction.parts.0.text", system)
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		if role == "assistant" {
			role = "model"
		} else {
			role = "user"
		}
		entry := `{"role":"","parts":[]}`
		entry, _ = sjson.Set(entry, "role", role)

		content := message.Get("content")
		if content.Type == gjson.String {
			entry, _ = sjson.Set(entry, "parts.-1.text", content.String())
		} else if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				entry = appendBlock(entry, block)
				return true
			})
		}

		if len(gjson.Get(entry, "parts").Array()) > 0 {
			out, _ = sjson.SetRaw(out, "contents.-1", entry)
		}
		return true
	})

	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topP", v.Float())
	}
	if v := root.Get("top_k"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topK", v.Int())
	}
	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", v.Int())
	}
	if v := root.Get("stop_sequences"); v.IsArray() {
		out, _ = sjson.SetRaw(out, "generationConfig.stopSequences", v.Raw)
	}
	if root.Get("thinking.type").String() == "enabled" {
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
		if budget := root.Get("thinking.budget_tokens"); budget.Exists() {
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.thinkingBudget", budget.Int())
		}
	}

	out = applyTools(out, root.Get("tools"))
	return []byte(out), model
}

// appendBlock converts one Anthropic content block into native parts.
func appendBlock(entry string, block gjson.Result) string {
	switch block.Get("type").String() {
	case "text":
		entry, _ = sjson.Set(entry, "parts.-1.text", block.Get("text").String())
	case "image":
		if block.Get("source.type").String() == "base64" {
			part := `{"inlineData":{}}`
			part, _ = sjson.Set(part, "inlineData.mimeType", block.Get("source.media_type").String())
			part, _ = sjson.Set(part, "inlineData.data", block.Get("source.data").String())
			entry, _ = sjson.SetRaw(entry, "parts.-1", part)
		}
	case "tool_use":
		part := `{"functionCall":{"args":{}}}`
		part, _ = sjson.Set(part, "functionCall.name", block.Get("name").String())
		if input := block.Get("input"); input.Exists() {
			part, _ = sjson.SetRaw(part, "functionCall.args", input.Raw)
		}
		entry, _ = sjson.SetRaw(entry, "parts.-1", part)
	case "tool_result":
		part := `{"functionResponse":{"response":{}}}`
		part, _ = sjson.Set(part, "functionResponse.name", block.Get("tool_use_id").String())
		content := block.Get("content")
		if content.Type == gjson.String {
			part, _ = sjson.Set(part, "functionResponse.response.result", content.String())
		} else if content.IsArray() {
			var texts []string
			content.ForEach(func(_, item gjson.Result) bool {
				if item.Get("type").String() == "text" {
					texts = append(texts, item.Get("text").String())
				}
				return true
			})
			part, _ = sjson.Set(part, "functionResponse.response.result", strings.Join(texts, "\n"))
		}
		entry, _ = sjson.SetRaw(entry, "parts.-1", part)
	}
	return entry
}

// systemText flattens the system field (string or block array).
func systemText(system gjson.Result) string {
	if system.Type == gjson.String {
		return system.String()
	}
	if system.IsArray() {
		var texts []string
		system.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				texts = append(texts, block.Get("text").String())
			}
			return true
		})
		return strings.Join(texts, "\n\n")
	}
	return ""
}

// applyTools converts Anthropic tool declarations to functionDeclarations.
func applyTools(out string, tools gjson.Result) string {
	if !tools.IsArray() {
		return out
	}
	declarations := `[]`
	count := 0
	tools.ForEach(func(_, tool gjson.Result) bool {
		decl := `{}`
		decl, _ = sjson.Set(decl, "name", tool.Get("name").String())
		if desc := tool.Get("description"); desc.Exists() {
			decl, _ = sjson.Set(decl, "description", desc.String())
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			decl, _ = sjson.SetRaw(decl, "parameters", schema.Raw)
		}
		declarations, _ = sjson.SetRaw(declarations, "-1", decl)
		count++
		return true
	})
	if count > 0 {
		out, _ = sjson.SetRaw(out, "tools.0.functionDeclarations", declarations)
	}
	return out
}
