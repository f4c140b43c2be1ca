package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/agentbus/agentbus/internal/runtime/config"
	loggingpkg "github.com/agentbus/agentbus/internal/runtime/logging"
	"github.com/agentbus/agentbus/internal/runtime/message"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

// newTestConfig returns a configuration tuned for fast tests: no
// persistence, millisecond backoffs, metrics on but unserved.
func newTestConfig() configpkg.Config {
	conf := configpkg.Default()
	conf.EnablePersistence = false
	conf.PollInterval = time.Millisecond
	conf.ErrorBackoff = time.Millisecond
	conf.RetryBackoff = time.Millisecond
	conf.MetricsPort = 0
	return conf
}

// newTestBus builds an unstarted bus on an isolated Prometheus registry.
// mutate adjusts the test configuration before construction; pass nil to
// keep the defaults.
func newTestBus(t *testing.T, mutate func(*configpkg.Config), deps Dependencies) *Bus {
	t.Helper()

	conf := newTestConfig()
	if mutate != nil {
		mutate(&conf)
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}

	bus, err := New(conf, newTestLogger(), deps)
	require.NoError(t, err)
	return bus
}

// startTestBus builds and starts a bus, stopping it when the test finishes.
func startTestBus(t *testing.T, mutate func(*configpkg.Config), deps Dependencies) *Bus {
	t.Helper()

	bus := newTestBus(t, mutate, deps)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	return bus
}

// collector is a handler fixture that records what it receives. A non-nil
// fail callback can reject messages; rejected messages are not recorded.
type collector struct {
	mu       sync.Mutex
	received []message.Message
	fail     func(msg message.Message) error
}

func (c *collector) handle(ctx context.Context, msg message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		if err := c.fail(msg); err != nil {
			return err
		}
	}
	c.received = append(c.received, msg)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func (c *collector) messages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := make([]message.Message, len(c.received))
	copy(clone, c.received)
	return clone
}

// recordingLogger captures log calls for assertions. With children share the
// parent's recorder so tests see output from derived loggers too.
type recordingLogger struct {
	recorder *logRecorder
	fields   loggingpkg.LogFields
}

type logRecorder struct {
	mu   sync.Mutex
	logs []recordedLog
}

type recordedLog struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{recorder: &logRecorder{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &recordingLogger{recorder: l.recorder, fields: mergeFields(l.fields, fields)}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	entry := recordedLog{level: level, msg: msg, err: err, fields: mergeFields(l.fields, fields)}

	l.recorder.mu.Lock()
	l.recorder.logs = append(l.recorder.logs, entry)
	l.recorder.mu.Unlock()
}

func (l *recordingLogger) entries() []recordedLog {
	l.recorder.mu.Lock()
	defer l.recorder.mu.Unlock()
	clone := make([]recordedLog, len(l.recorder.logs))
	copy(clone, l.recorder.logs)
	return clone
}

func (l *recordingLogger) hasMessage(msg string) bool {
	for _, entry := range l.entries() {
		if entry.msg == msg {
			return true
		}
	}
	return false
}

func mergeFields(base, extra loggingpkg.LogFields) loggingpkg.LogFields {
	merged := make(loggingpkg.LogFields, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
