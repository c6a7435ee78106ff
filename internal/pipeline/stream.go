package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/studioproxy/StudioProxyAPI/internal/constant"
	"github.com/studioproxy/StudioProxyAPI/internal/queue"
	"github.com/studioproxy/StudioProxyAPI/internal/wsbridge"
)

// chunkIdleTimeout bounds the wait for the next chunk of a live stream.
const chunkIdleTimeout = 60 * time.Second

// StreamEncoder re-encodes native streaming payloads into a client dialect.
// Encode receives one native JSON payload and returns fully formed SSE
// records; Finish returns the trailing records after stream end. A nil
// encoder means native passthrough.
type StreamEncoder interface {
	Encode(native []byte) []string
	Finish() []string
}

// sseSplitter incrementally extracts "data:" payloads from SSE text.
type sseSplitter struct {
	pending strings.Builder
}

func (s *sseSplitter) push(chunk string) []string {
	s.pending.WriteString(chunk)
	text := s.pending.String()
	last := strings.LastIndexByte(text, '\n')
	if last < 0 {
		return nil
	}
	complete, rest := text[:last+1], text[last+1:]
	s.pending.Reset()
	s.pending.WriteString(rest)

	var payloads []string
	for _, line := range strings.Split(complete, "\n") {
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			payloads = append(payloads, strings.TrimRight(payload, "\r"))
		} else if payload, ok = strings.CutPrefix(line, "data:"); ok {
			payloads = append(payloads, strings.TrimRight(payload, "\r"))
		}
	}
	return payloads
}

// relayHeaders forwards the response_headers frame after sanitation: the
// agent's CORS leftovers and content-length are dropped (the relayed body
// length differs), and redirect-style headers are re-anchored on this
// server's authority so follow-up calls keep routing through the proxy.
func relayHeaders(c *gin.Context, frame *wsbridge.Frame) {
	for key, value := range frame.Headers {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "access-control-") || lower == "content-length" {
			continue
		}
		if lower == "location" || lower == "x-goog-upload-url" {
			value = absoluteOnSelf(c, value)
		}
		c.Writer.Header().Set(key, value)
	}
}

// absoluteOnSelf turns an agent-relativized URL into an absolute one on this
// server's scheme and host.
func absoluteOnSelf(c *gin.Context, value string) string {
	if !strings.HasPrefix(value, "/") {
		return value
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.Request.Host, value)
}

// watchClientGone cancels the upstream call when the HTTP client leaves
// before the stream completes.
func (p *Pipeline) watchClientGone(ctx context.Context, requestID string, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		log.Debugf("client left, cancelling request %s", requestID)
		p.CancelForClient(requestID)
	case <-done:
	}
}

// ServeRealStream relays a live upstream stream chunk for chunk. A nil
// encoder forwards the upstream SSE text verbatim; otherwise each native
// payload is re-encoded into the client's dialect.
func (p *Pipeline) ServeRealStream(c *gin.Context, req *Request, res *Result, enc StreamEncoder) {
	done := make(chan struct{})
	defer close(done)
	go p.watchClientGone(c.Request.Context(), req.ID, done)

	relayHeaders(c, res.First)
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(res.First.Status)
	flusher, _ := c.Writer.(http.Flusher)

	writable := true
	write := func(text string) {
		if !writable {
			return
		}
		if _, err := c.Writer.WriteString(text); err != nil {
			// Connection reset; no further writes.
			writable = false
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	splitter := &sseSplitter{}
	for {
		value, err := res.Queue.Dequeue(chunkIdleTimeout)
		if err != nil {
			if reason, closed := queue.IsClosed(err); closed {
				log.Debugf("stream for %s closed: %s", req.ID, reason)
			} else {
				log.Warnf("stream for %s idle for %s, ending", req.ID, chunkIdleTimeout)
			}
			break
		}
		if value == wsbridge.StreamEnd {
			break
		}
		frame, ok := value.(*wsbridge.Frame)
		if !ok {
			continue
		}
		if frame.Type == constant.FrameError {
			write(streamErrorRecord(frame.Status, frame.Message))
			break
		}
		if enc == nil {
			write(frame.Data)
			continue
		}
		for _, payload := range splitter.push(frame.Data) {
			for _, record := range enc.Encode([]byte(payload)) {
				write(record)
			}
		}
	}

	if enc != nil {
		for _, record := range enc.Finish() {
			write(record)
		}
	}
}

// ServePseudoStream answers a streaming client from a non-streaming upstream
// call: keep-alive comments while the body accumulates, then the whole
// answer as SSE records. Native clients get the thought/content two-record
// split; dialect clients get the encoder's rendering of the full body.
func (p *Pipeline) ServePseudoStream(c *gin.Context, req *Request, res *Result, enc StreamEncoder) {
	done := make(chan struct{})
	defer close(done)
	go p.watchClientGone(c.Request.Context(), req.ID, done)

	relayHeaders(c, res.First)
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(res.First.Status)
	flusher, _ := c.Writer.(http.Flusher)

	var writeMu sync.Mutex
	writable := true
	write := func(text string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if !writable {
			return
		}
		if _, err := c.Writer.WriteString(text); err != nil {
			writable = false
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	keepAliveStop := make(chan struct{})
	go func() {
		for {
			select {
			case <-keepAliveStop:
				return
			case <-time.After(time.Duration(12+rand.Intn(7)) * time.Second):
				write(": keep-alive\n\n")
			}
		}
	}()

	body, errFrame, err := p.accumulate(res.Queue)
	close(keepAliveStop)

	// Headers are long gone; an abnormal end can only be reported as a
	// mid-stream SSE error record.
	if err != nil {
		write(streamErrorRecord(http.StatusBadGateway, fmt.Sprintf("upstream stream ended abnormally: %v", err)))
		return
	}
	if errFrame != nil {
		write(streamErrorRecord(errFrame.Status, errFrame.Message))
		return
	}

	if enc != nil {
		for _, payload := range extractPayloads(body) {
			for _, record := range enc.Encode([]byte(payload)) {
				write(record)
			}
		}
		for _, record := range enc.Finish() {
			write(record)
		}
		return
	}
	for _, record := range splitThoughtRecords(body) {
		write("data: " + record + "\n\n")
	}
}

// ServeNonStream accumulates the whole upstream answer and forwards it. The
// optional transform re-encodes the native body into the client's dialect.
func (p *Pipeline) ServeNonStream(c *gin.Context, req *Request, res *Result, transform func(body []byte) (string, []byte)) {
	done := make(chan struct{})
	defer close(done)
	go p.watchClientGone(c.Request.Context(), req.ID, done)

	body, errFrame, err := p.accumulate(res.Queue)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, queue.ErrQueueTimeout) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": gin.H{
			"message": fmt.Sprintf("upstream stream ended abnormally: %v", err),
			"type":    "upstream_error",
			"code":    status,
		}})
		return
	}
	if errFrame != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{
			"message": errFrame.Message,
			"type":    "upstream_error",
			"code":    errFrame.Status,
		}})
		return
	}

	body = rewriteInlineImages(body)

	contentType := res.First.Headers["content-type"]
	if contentType == "" {
		contentType = "application/json"
	}
	if transform != nil {
		contentType, body = transform(body)
	}
	relayHeaders(c, res.First)
	c.Data(res.First.Status, contentType, body)
}

// accumulate drains the queue until stream end, concatenating chunk data.
// A mid-stream error frame is returned alongside whatever was collected. A
// queue that closes or times out before stream_close is an abnormal end and
// surfaces as an error: the collected bytes are a truncated body, not the
// answer.
func (p *Pipeline) accumulate(q *queue.Queue) ([]byte, *wsbridge.Frame, error) {
	var sb strings.Builder
	for {
		value, err := q.Dequeue(queue.DefaultDequeueTimeout)
		if err != nil {
			return []byte(sb.String()), nil, err
		}
		if value == wsbridge.StreamEnd {
			return []byte(sb.String()), nil, nil
		}
		frame, ok := value.(*wsbridge.Frame)
		if !ok {
			continue
		}
		if frame.Type == constant.FrameError {
			return []byte(sb.String()), frame, nil
		}
		sb.WriteString(frame.Data)
	}
}

// streamErrorRecord renders an abnormal end as an SSE data record.
func streamErrorRecord(status int, message string) string {
	return fmt.Sprintf("data: {\"error\":{\"message\":%q,\"code\":%d}}\n\n", message, status)
}

// extractPayloads returns the JSON payloads of an accumulated body: the
// body itself when it is plain JSON, or its "data:" records when the
// upstream answered as SSE text.
func extractPayloads(body []byte) []string {
	text := strings.TrimSpace(string(body))
	if gjson.Valid(text) {
		return []string{text}
	}
	splitter := &sseSplitter{}
	return splitter.push(string(body) + "\n")
}

// splitThoughtRecords shapes an accumulated native response for a pseudo
// stream: thought parts first (no finishReason), then the content parts
// with finishReason and usageMetadata. A structurally unexpected body is
// passed through as a single record.
func splitThoughtRecords(body []byte) []string {
	root := gjson.ParseBytes(body)
	parts := root.Get("candidates.0.content.parts")
	if !parts.IsArray() {
		return []string{strings.TrimSpace(string(body))}
	}

	thoughts := `[]`
	contents := `[]`
	thoughtCount := 0
	parts.ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			thoughts, _ = sjson.SetRaw(thoughts, "-1", part.Raw)
			thoughtCount++
		} else {
			contents, _ = sjson.SetRaw(contents, "-1", part.Raw)
		}
		return true
	})

	contentRecord := `{"candidates":[{"content":{"parts":[]}}]}`
	contentRecord, _ = sjson.SetRaw(contentRecord, "candidates.0.content.parts", contents)
	if role := root.Get("candidates.0.content.role"); role.Exists() {
		contentRecord, _ = sjson.Set(contentRecord, "candidates.0.content.role", role.String())
	}
	if finish := root.Get("candidates.0.finishReason"); finish.Exists() {
		contentRecord, _ = sjson.Set(contentRecord, "candidates.0.finishReason", finish.String())
	}
	if usage := root.Get("usageMetadata"); usage.Exists() {
		contentRecord, _ = sjson.SetRaw(contentRecord, "usageMetadata", usage.Raw)
	}

	if thoughtCount == 0 {
		return []string{contentRecord}
	}
	thoughtRecord := `{"candidates":[{"content":{"parts":[]}}]}`
	thoughtRecord, _ = sjson.SetRaw(thoughtRecord, "candidates.0.content.parts", thoughts)
	return []string{thoughtRecord, contentRecord}
}

// rewriteInlineImages replaces inlineData parts with a Markdown image
// reference embedding the data URL, so chat clients can render generated
// images as text.
func rewriteInlineImages(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	out := string(body)
	changed := false
	gjson.Get(out, "candidates").ForEach(func(ci, candidate gjson.Result) bool {
		candidate.Get("content.parts").ForEach(func(pi, part gjson.Result) bool {
			inline := part.Get("inlineData")
			if !inline.Exists() || inline.Get("mimeType").String() == "" {
				return true
			}
			markdown := fmt.Sprintf("![Generated Image](data:%s;base64,%s)",
				inline.Get("mimeType").String(), inline.Get("data").String())
			path := fmt.Sprintf("candidates.%d.content.parts.%d", ci.Int(), pi.Int())
			out, _ = sjson.Set(out, path+".text", markdown)
			out, _ = sjson.Delete(out, path+".inlineData")
			changed = true
			return true
		})
		return true
	})
	if !changed {
		return body
	}
	return []byte(out)
}
