// Package logging wires logrus into the server: the global formatter, Gin
// access logging, and an optional per-request file logger for debugging
// client and upstream traffic.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RequestLogger records complete request/response exchanges.
type RequestLogger interface {
	IsEnabled() bool
	LogRequest(url, method string, requestHeaders map[string][]string, body []byte, status int, responseHeaders map[string][]string, response []byte) error
	LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error)
}

// StreamingLogWriter receives the pieces of a streaming response as they are
// written to the client. Chunk writes must never block the response path.
type StreamingLogWriter interface {
	WriteStatus(status int, headers map[string][]string)
	WriteChunkAsync(chunk []byte)
	Close() error
}

// FileRequestLogger writes one file per exchange under a logs directory.
type FileRequestLogger struct {
	enabled bool
	dir     string
	mu      sync.Mutex
}

// NewFileRequestLogger creates a request logger. When disabled every call is
// a cheap no-op.
func NewFileRequestLogger(enabled bool, dir string) *FileRequestLogger {
	return &FileRequestLogger{enabled: enabled, dir: dir}
}

// IsEnabled reports whether exchanges are being recorded.
func (l *FileRequestLogger) IsEnabled() bool {
	return l.enabled
}

// SetEnabled toggles recording at runtime.
func (l *FileRequestLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// LogRequest records a complete non-streaming exchange.
func (l *FileRequestLogger) LogRequest(url, method string, requestHeaders map[string][]string, body []byte, status int, responseHeaders map[string][]string, response []byte) error {
	if !l.enabled {
		return nil
	}
	f, err := l.createFile(url)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	writeExchangeHeader(f, url, method, requestHeaders, body)
	fmt.Fprintf(f, "=== RESPONSE (status %d) ===\n", status)
	writeHeaders(f, responseHeaders)
	fmt.Fprintf(f, "\n%s\n", response)
	return nil
}

// LogStreamingRequest opens the log file up front and returns a writer fed
// chunk by chunk as the response streams out.
func (l *FileRequestLogger) LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error) {
	if !l.enabled {
		return noopStreamWriter{}, nil
	}
	f, err := l.createFile(url)
	if err != nil {
		return nil, err
	}
	writeExchangeHeader(f, url, method, headers, body)

	w := &fileStreamWriter{file: f, chunks: make(chan []byte, 256)}
	w.done.Add(1)
	go w.drain()
	return w, nil
}

// createFile opens a timestamped log file named after the request path.
func (l *FileRequestLogger) createFile(url string) (*os.File, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	name := strings.Trim(url, "/")
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	name = strings.NewReplacer("/", "_", ":", "_").Replace(name)
	if name == "" {
		name = "root"
	}
	filename := fmt.Sprintf("%s_%s.log", name, time.Now().Format("20060102_150405.000"))
	return os.Create(filepath.Join(l.dir, filename))
}

func writeExchangeHeader(f *os.File, url, method string, headers map[string][]string, body []byte) {
	fmt.Fprintf(f, "=== REQUEST %s %s ===\n", method, url)
	writeHeaders(f, headers)
	fmt.Fprintf(f, "\n%s\n\n", body)
}

func writeHeaders(f *os.File, headers map[string][]string) {
	for key, values := range headers {
		for _, value := range values {
			fmt.Fprintf(f, "%s: %s\n", key, value)
		}
	}
}

// fileStreamWriter appends chunks to the log file from a dedicated goroutine
// so response writes are never delayed by disk I/O.
type fileStreamWriter struct {
	file      *os.File
	chunks    chan []byte
	closeOnce sync.Once
	done      sync.WaitGroup
}

func (w *fileStreamWriter) WriteStatus(status int, headers map[string][]string) {
	fmt.Fprintf(w.file, "=== RESPONSE (status %d, streaming) ===\n", status)
	writeHeaders(w.file, headers)
	fmt.Fprintln(w.file)
}

func (w *fileStreamWriter) WriteChunkAsync(chunk []byte) {
	select {
	case w.chunks <- append([]byte(nil), chunk...):
	default:
		// Drop rather than stall the stream.
	}
}

func (w *fileStreamWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.chunks)
		w.done.Wait()
		if err := w.file.Close(); err != nil {
			log.Warnf("failed to close request log: %v", err)
		}
	})
	return nil
}

func (w *fileStreamWriter) drain() {
	defer w.done.Done()
	for chunk := range w.chunks {
		_, _ = w.file.Write(chunk)
	}
}

type noopStreamWriter struct{}

func (noopStreamWriter) WriteStatus(int, map[string][]string) {}
func (noopStreamWriter) WriteChunkAsync([]byte)               {}
func (noopStreamWriter) Close() error                         { return nil }
