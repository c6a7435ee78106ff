package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/studioproxy/StudioProxyAPI/internal/constant"
	"github.com/studioproxy/StudioProxyAPI/internal/queue"
	"github.com/studioproxy/StudioProxyAPI/internal/wsbridge"
)

func serveContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
	return c, rec
}

func TestServeNonStreamReportsAbnormalEnd(t *testing.T) {
	p, _, _ := newTestPipeline(t, 1)
	c, rec := serveContext(t)

	// The agent died mid-answer: the queue closes before stream_close.
	q := queue.New()
	q.Enqueue(&wsbridge.Frame{Type: constant.FrameChunk, Data: `{"candidates":`})
	q.Close(queue.ReasonConnectionLost)

	res := &Result{First: &wsbridge.Frame{Status: 200, Headers: map[string]string{"content-type": "application/json"}}, Queue: q}
	p.ServeNonStream(c, &Request{ID: "req-cut"}, res, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection_lost")
	assert.NotContains(t, rec.Body.String(), `"candidates"`)
}

func TestServeNonStreamReportsErrorFrame(t *testing.T) {
	p, _, _ := newTestPipeline(t, 1)
	c, rec := serveContext(t)

	q := queue.New()
	q.Enqueue(&wsbridge.Frame{Type: constant.FrameError, Status: 429, Message: "quota exhausted"})

	res := &Result{First: &wsbridge.Frame{Status: 200}, Queue: q}
	p.ServeNonStream(c, &Request{ID: "req-err"}, res, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "quota exhausted")
}

func TestServePseudoStreamEmitsErrorRecord(t *testing.T) {
	p, _, _ := newTestPipeline(t, 1)

	t.Run("error frame", func(t *testing.T) {
		c, rec := serveContext(t)
		q := queue.New()
		q.Enqueue(&wsbridge.Frame{Type: constant.FrameError, Status: 429, Message: "quota exhausted"})

		res := &Result{First: &wsbridge.Frame{Status: 200}, Queue: q}
		p.ServePseudoStream(c, &Request{ID: "req-pf"}, res, nil)

		// Headers went out before the failure; it surfaces as an SSE record.
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"message":"quota exhausted"`)
		assert.Contains(t, rec.Body.String(), `"code":429`)
	})

	t.Run("queue closed", func(t *testing.T) {
		c, rec := serveContext(t)
		q := queue.New()
		q.Close(queue.ReasonConnectionLost)

		res := &Result{First: &wsbridge.Frame{Status: 200}, Queue: q}
		p.ServePseudoStream(c, &Request{ID: "req-pc"}, res, nil)

		assert.Contains(t, rec.Body.String(), "connection_lost")
		assert.Contains(t, rec.Body.String(), `"code":502`)
	})
}

func TestSSESplitter(t *testing.T) {
	s := &sseSplitter{}

	// A record split across two chunks only surfaces once complete.
	assert.Empty(t, s.push(`data: {"a"`))
	payloads := s.push(":1}\n\n")
	require.Len(t, payloads, 1)
	assert.Equal(t, `{"a":1}`, payloads[0])

	payloads = s.push("data: one\n\ndata: two\n\n")
	require.Len(t, payloads, 2)
	assert.Equal(t, "one", payloads[0])
	assert.Equal(t, "two", payloads[1])

	// Comments and event lines are not payloads.
	assert.Empty(t, s.push(": keep-alive\n\nevent: ping\n"))
}

func TestSplitThoughtRecordsTwoRecords(t *testing.T) {
	body := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "let me think", "thought": true},
				{"text": "more thinking", "thought": true},
				{"text": "the answer"}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 2, "candidatesTokenCount": 5, "totalTokenCount": 7}
	}`)

	records := splitThoughtRecords(body)
	require.Len(t, records, 2)

	thoughts := gjson.Parse(records[0])
	assert.Len(t, thoughts.Get("candidates.0.content.parts").Array(), 2)
	assert.False(t, thoughts.Get("candidates.0.finishReason").Exists())

	content := gjson.Parse(records[1])
	assert.Len(t, content.Get("candidates.0.content.parts").Array(), 1)
	assert.Equal(t, "the answer", content.Get("candidates.0.content.parts.0.text").String())
	assert.Equal(t, "STOP", content.Get("candidates.0.finishReason").String())
	assert.Equal(t, int64(7), content.Get("usageMetadata.totalTokenCount").Int())
}

func TestSplitThoughtRecordsNoThoughts(t *testing.T) {
	body := []byte(`{"candidates":[{"content":{"parts":[{"text":"plain"}]},"finishReason":"STOP"}]}`)

	records := splitThoughtRecords(body)
	require.Len(t, records, 1)
	assert.Equal(t, "STOP", gjson.Get(records[0], "candidates.0.finishReason").String())
}

func TestSplitThoughtRecordsStructuralMismatch(t *testing.T) {
	body := []byte(`{"unexpected":"shape"}`)
	records := splitThoughtRecords(body)
	require.Len(t, records, 1)
	assert.Equal(t, `{"unexpected":"shape"}`, records[0])
}

func TestRewriteInlineImages(t *testing.T) {
	body := []byte(`{"candidates":[{"content":{"parts":[
		{"text":"here you go"},
		{"inlineData":{"mimeType":"image/png","data":"QUJD"}}
	]}}]}`)

	out := rewriteInlineImages(body)
	root := gjson.ParseBytes(out)
	assert.Equal(t, "here you go", root.Get("candidates.0.content.parts.0.text").String())
	assert.Equal(t,
		"![Generated Image](data:image/png;base64,QUJD)",
		root.Get("candidates.0.content.parts.1.text").String())
	assert.False(t, root.Get("candidates.0.content.parts.1.inlineData").Exists())
}

func TestRewriteInlineImagesPassthrough(t *testing.T) {
	body := []byte(`{"candidates":[{"content":{"parts":[{"text":"no image"}]}}]}`)
	assert.Equal(t, body, rewriteInlineImages(body))

	raw := []byte("not json at all")
	assert.Equal(t, raw, rewriteInlineImages(raw))
}

func TestExtractPayloads(t *testing.T) {
	json := []byte(`{"candidates":[]}`)
	payloads := extractPayloads(json)
	require.Len(t, payloads, 1)
	assert.Equal(t, `{"candidates":[]}`, payloads[0])

	sse := []byte("data: {\"a\":1}\n\ndata: {\"b\":2}\n\n")
	payloads = extractPayloads(sse)
	require.Len(t, payloads, 2)
	assert.Equal(t, `{"b":2}`, payloads[1])
}
