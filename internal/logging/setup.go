package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once

	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger
	ginWriters []*io.PipeWriter
)

// lineFormatter renders entries as single text lines with the call site.
type lineFormatter struct{}

func (f *lineFormatter) Format(entry *log.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}

	fmt.Fprintf(buf, "%s %-5s", entry.Time.Format("2006-01-02T15:04:05.000"), strings.ToUpper(entry.Level.String()))
	if entry.Caller != nil {
		fmt.Fprintf(buf, " %s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	buf.WriteByte(' ')
	buf.WriteString(strings.TrimRight(entry.Message, "\r\n"))
	for _, key := range sortedFieldKeys(entry.Data) {
		fmt.Fprintf(buf, " %s=%v", key, entry.Data[key])
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func sortedFieldKeys(data log.Fields) []string {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// SetupBaseLogger wires logrus as the single log sink, including Gin's own
// writers. Repeated calls are no-ops.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&lineFormatter{})

		info := log.StandardLogger().Writer()
		errw := log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultWriter = info
		gin.DefaultErrorWriter = errw
		ginWriters = append(ginWriters, info, errw)
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			log.Debugf(strings.TrimRight(format, "\r\n"), values...)
		}

		log.RegisterExitHandler(closeOutputs)
	})
}

// ConfigureLogOutput points the global logger at a rotating file under logs/
// when toFile is set, or back at stdout otherwise.
func ConfigureLogOutput(toFile bool) error {
	SetupBaseLogger()

	outputMu.Lock()
	defer outputMu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	if !toFile {
		log.SetOutput(os.Stdout)
		return nil
	}

	const dir = "logs"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create %s: %w", dir, err)
	}
	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "server.log"),
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	log.SetOutput(fileWriter)
	return nil
}

func closeOutputs() {
	outputMu.Lock()
	defer outputMu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	for _, w := range ginWriters {
		_ = w.Close()
	}
	ginWriters = nil
}
