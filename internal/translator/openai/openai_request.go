// Package openai translates between the OpenAI chat-completions dialect and
// the native Gemini request shape. Request translation parses messages,
// roles, content types (text, image) and tool declarations; response
// translation rebuilds chat-completion objects and stream chunks from native
// generate responses.
package openai

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ConvertChatRequestToNative translates a raw OpenAI chat-completions body
// into a native generateContent body.
//
// Parameters:
//   - rawJSON: The raw JSON bytes of the OpenAI-compatible request
//
// Returns:
//   - []byte: The native request body
//   - string: The model name from the request (suffixes intact)
func ConvertChatRequestToNative(rawJSON []byte) ([]byte, string) {
	root := gjson.ParseBytes(rawJSON)
	model := root.Get("model").String()

	out := `{"contents":[]}`

	if system := collectSystemText(root.Get("messages")); system != "" {
		out, _ = sjson.Set(out, "systemInstruction.parts.0.text", system)
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		switch role {
		case "system":
			// Collected above.
			return true
		case "assistant":
			role = "model"
		case "tool":
			content := contentToText(message.Get("content"))
			part := `{"functionResponse":{"name":"","response":{}}}`
			name := message.Get("tool_call_id").String()
			part, _ = sjson.Set(part, "functionResponse.name", name)
			part, _ = sjson.Set(part, "functionResponse.response.result", content)
			entry := `{"role":"user","parts":[]}`
			entry, _ = sjson.SetRaw(entry, "parts.-1", part)
			out, _ = sjson.SetRaw(out, "contents.-1", entry)
			return true
		default:
			role = "user"
		}

		entry := `{"role":"","parts":[]}`
		entry, _ = sjson.Set(entry, "role", role)

		content := message.Get("content")
		if content.Type == gjson.String {
			if content.String() != "" {
				entry, _ = sjson.Set(entry, "parts.-1.text", content.String())
			}
		} else if content.IsArray() {
			content.ForEach(func(_, item gjson.Result) bool {
				switch item.Get("type").String() {
				case "text":
					entry, _ = sjson.Set(entry, "parts.-1.text", item.Get("text").String())
				case "image_url":
					if part, ok := dataURLToInlineData(item.Get("image_url.url").String()); ok {
						entry, _ = sjson.SetRaw(entry, "parts.-1", part)
					}
				}
				return true
			})
		}

		// Assistant tool calls become functionCall parts.
		message.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			if tc.Get("type").String() != "function" {
				return true
			}
			part := `{"functionCall":{"name":"","args":{}}}`
			part, _ = sjson.Set(part, "functionCall.name", tc.Get("function.name").String())
			if args := tc.Get("function.arguments").String(); args != "" {
				if gjson.Valid(args) {
					part, _ = sjson.SetRaw(part, "functionCall.args", args)
				}
			}
			entry, _ = sjson.SetRaw(entry, "parts.-1", part)
			return true
		})

		if len(gjson.Get(entry, "parts").Array()) > 0 {
			out, _ = sjson.SetRaw(out, "contents.-1", entry)
		}
		return true
	})

	out = applyGenerationConfig(out, root)
	out = applyTools(out, root.Get("tools"))
	return []byte(out), model
}

// collectSystemText concatenates all system message texts.
func collectSystemText(messages gjson.Result) string {
	var parts []string
	messages.ForEach(func(_, message gjson.Result) bool {
		if message.Get("role").String() != "system" {
			return true
		}
		if text := contentToText(message.Get("content")); text != "" {
			parts = append(parts, text)
		}
		return true
	})
	return strings.Join(parts, "\n\n")
}

// contentToText flattens a string or parts-array content field to text.
func contentToText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var texts []string
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				texts = append(texts, item.Get("text").String())
			}
			return true
		})
		return strings.Join(texts, "\n")
	}
	if content.IsObject() && content.Get("type").String() == "text" {
		return content.Get("text").String()
	}
	return ""
}

// dataURLToInlineData converts a data: URL into an inlineData part.
func dataURLToInlineData(url string) (string, bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", false
	}
	meta, data, found := strings.Cut(url[5:], ",")
	if !found {
		return "", false
	}
	mimeType := strings.TrimSuffix(meta, ";base64")
	part := `{"inlineData":{"mimeType":"","data":""}}`
	part, _ = sjson.Set(part, "inlineData.mimeType", mimeType)
	part, _ = sjson.Set(part, "inlineData.data", data)
	return part, true
}

// applyGenerationConfig copies sampling parameters into generationConfig.
func applyGenerationConfig(out string, root gjson.Result) string {
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topP", v.Float())
	}
	if v := root.Get("max_completion_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", v.Int())
	} else if v = root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", v.Int())
	}
	if v := root.Get("stop"); v.Exists() {
		if v.IsArray() {
			out, _ = sjson.SetRaw(out, "generationConfig.stopSequences", v.Raw)
		} else if v.Type == gjson.String {
			out, _ = sjson.Set(out, "generationConfig.stopSequences.0", v.String())
		}
	}
	if v := root.Get("response_format.type"); v.String() == "json_object" {
		out, _ = sjson.Set(out, "generationConfig.responseMimeType", "application/json")
	}
	return out
}

// applyTools converts OpenAI function tools to functionDeclarations.
func applyTools(out string, tools gjson.Result) string {
	if !tools.IsArray() {
		return out
	}
	declarations := `[]`
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("type").String() != "function" {
			return true
		}
		decl := `{}`
		decl, _ = sjson.Set(decl, "name", tool.Get("function.name").String())
		if desc := tool.Get("function.description"); desc.Exists() {
			decl, _ = sjson.Set(decl, "description", desc.String())
		}
		if params := tool.Get("function.parameters"); params.Exists() {
			decl, _ = sjson.SetRaw(decl, "parameters", params.Raw)
		}
		declarations, _ = sjson.SetRaw(declarations, "-1", decl)
		return true
	})
	if len(gjson.Parse(declarations).Array()) > 0 {
		out, _ = sjson.SetRaw(out, "tools.0.functionDeclarations", declarations)
	}
	return out
}
