// Package pipeline executes proxied generation requests: readiness gating,
// retry orchestration against the agent socket, and response shaping for the
// real, pseudo and non-stream modes.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/studioproxy/StudioProxyAPI/internal/config"
	"github.com/studioproxy/StudioProxyAPI/internal/constant"
	"github.com/studioproxy/StudioProxyAPI/internal/wsbridge"
)

// Opaque placeholder accepted by the upstream's signature validator when a
// client replays function-call history without the original signatures.
const defaultThoughtSignature = "c2tpcA=="

// Request is one proxied upstream call, already translated to the native
// dialect by the caller.
type Request struct {
	ID          string
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     map[string]string
	Body        []byte

	// Generative marks calls that count against the identity's usage and
	// are eligible for model-family body rewrites.
	Generative bool

	// Stream is the client's wish; StreamingMode is what the agent is told
	// to do with the upstream response.
	Stream        bool
	StreamingMode string
}

// NewRequestID mints the correlation key for one inbound HTTP request.
func NewRequestID() string {
	return uuid.NewString()
}

// SplitModelSuffix splits an "@level" thinking suffix off a model name.
// "gemini-3-pro@high" yields ("gemini-3-pro", "high").
func SplitModelSuffix(model string) (string, string) {
	if at := strings.LastIndex(model, "@"); at > 0 {
		return model[:at], model[at+1:]
	}
	return model, ""
}

// NativePath builds the upstream path for a model action.
func NativePath(model, action string) string {
	return fmt.Sprintf("/v1beta/models/%s:%s", model, action)
}

// PrepareNativeBody applies the configured force-injections and hygiene
// rewrites to a native generative body:
//   - thinkingLevel from the model suffix merges into generationConfig
//   - includeThoughts, googleSearch and urlContext are injected when
//     configured and the client has not set a competing field
//   - function-call parts get a thoughtSignature backfill
//   - tools entries are normalized from snake_case aliases
func PrepareNativeBody(cfg *config.Config, body []byte, thinkingLevel string) []byte {
	out := string(body)

	if thinkingLevel != "" {
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.thinkingLevel", strings.ToUpper(thinkingLevel))
	}
	if cfg.ForceThinking && !gjson.Get(out, "generationConfig.thinkingConfig").Exists() {
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
	}

	out = normalizeTools(out)
	if cfg.ForceWebSearch && !hasTool(out, "googleSearch") {
		out, _ = sjson.SetRaw(out, "tools.-1", `{"googleSearch":{}}`)
	}
	if cfg.ForceURLContext && !hasTool(out, "urlContext") {
		out, _ = sjson.SetRaw(out, "tools.-1", `{"urlContext":{}}`)
	}

	out = backfillThoughtSignatures(out)
	return []byte(out)
}

// hasTool reports whether any tools entry carries the named capability.
func hasTool(body, name string) bool {
	found := false
	gjson.Get(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		if tool.Get(name).Exists() {
			found = true
			return false
		}
		return true
	})
	return found
}

// normalizeTools renames snake_case tool fields to the upstream's camelCase
// schema.
func normalizeTools(body string) string {
	tools := gjson.Get(body, "tools")
	if !tools.IsArray() {
		return body
	}
	aliases := map[string]string{
		"function_declarations": "functionDeclarations",
		"google_search":         "googleSearch",
		"url_context":           "urlContext",
	}
	for i, tool := range tools.Array() {
		for from, to := range aliases {
			if v := tool.Get(from); v.Exists() {
				body, _ = sjson.SetRaw(body, fmt.Sprintf("tools.%d.%s", i, to), v.Raw)
				body, _ = sjson.Delete(body, fmt.Sprintf("tools.%d.%s", i, from))
			}
		}
	}
	return body
}

// backfillThoughtSignatures ensures every functionCall part carries a
// thoughtSignature.
func backfillThoughtSignatures(body string) string {
	gjson.Get(body, "contents").ForEach(func(ci, content gjson.Result) bool {
		content.Get("parts").ForEach(func(pi, part gjson.Result) bool {
			if part.Get("functionCall").Exists() && !part.Get("thoughtSignature").Exists() {
				path := fmt.Sprintf("contents.%d.parts.%d.thoughtSignature", ci.Int(), pi.Int())
				body, _ = sjson.Set(body, path, defaultThoughtSignature)
			}
			return true
		})
		return true
	})
	return body
}

// BuildProxyFrame packs a request into the proxy_request frame sent to the
// agent.
func BuildProxyFrame(req *Request) *wsbridge.Frame {
	return &wsbridge.Frame{
		Type:          constant.FrameProxyRequest,
		RequestID:     req.ID,
		Method:        req.Method,
		Path:          req.Path,
		QueryParams:   req.QueryParams,
		Headers:       req.Headers,
		Body:          string(req.Body),
		StreamingMode: req.StreamingMode,
		IsGenerative:  req.Generative,
	}
}
