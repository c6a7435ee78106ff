package api

import (
	"fmt"

	"github.com/studioproxy/StudioProxyAPI/internal/translator/claude"
	"github.com/studioproxy/StudioProxyAPI/internal/translator/openai"
)

// openaiEncoder renders native streaming chunks as OpenAI SSE records and
// terminates the stream with the [DONE] sentinel.
type openaiEncoder struct {
	model string
	state *openai.StreamState
}

func newOpenAIEncoder(model string) *openaiEncoder {
	return &openaiEncoder{model: model, state: openai.NewStreamState()}
}

func (e *openaiEncoder) Encode(native []byte) []string {
	chunk := openai.ConvertNativeChunkToChat(native, e.model, e.state)
	if chunk == nil {
		return nil
	}
	return []string{fmt.Sprintf("data: %s\n\n", chunk)}
}

func (e *openaiEncoder) Finish() []string {
	return []string{"data: [DONE]\n\n"}
}

// claudeEncoder renders native streaming chunks as Anthropic event records.
type claudeEncoder struct {
	model string
	state *claude.StreamState
}

func newClaudeEncoder(model string) *claudeEncoder {
	return &claudeEncoder{model: model, state: claude.NewStreamState()}
}

func (e *claudeEncoder) Encode(native []byte) []string {
	return renderEvents(claude.ConvertNativeChunkToEvents(native, e.model, e.state))
}

func (e *claudeEncoder) Finish() []string {
	return renderEvents(e.state.FinishStream())
}

func renderEvents(events []claude.StreamEvent) []string {
	records := make([]string, 0, len(events))
	for _, ev := range events {
		records = append(records, fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Event, ev.Data))
	}
	return records
}
