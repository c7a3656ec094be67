package lmstudio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hypernetix/fullmoon-go/pkg/logging"
)

// testLogger records every message regardless of level.
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func newTestLogger() *testLogger { return &testLogger{} }

func (l *testLogger) add(level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, level+": "+fmt.Sprintf(format, v...))
}

func (l *testLogger) SetLevel(logging.LogLevel)              {}
func (l *testLogger) Error(format string, v ...interface{}) { l.add("ERROR", format, v...) }
func (l *testLogger) Warn(format string, v ...interface{})  { l.add("WARN", format, v...) }
func (l *testLogger) Info(format string, v ...interface{})  { l.add("INFO", format, v...) }
func (l *testLogger) Debug(format string, v ...interface{}) { l.add("DEBUG", format, v...) }
func (l *testLogger) Trace(format string, v ...interface{}) { l.add("TRACE", format, v...) }

func (l *testLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}
