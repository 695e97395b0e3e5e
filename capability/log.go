package capability

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/engine"
)

const recentLines = 32

// Log implements log.info. Lines go to the host logger and to a short
// history shown by status views.
type Log struct {
	logger *zap.Logger

	mu     sync.Mutex
	recent []string
}

func newLog(l *zap.Logger) *Log {
	return &Log{logger: l}
}

func (*Log) Namespace() string { return "log" }

func (l *Log) Bind(b Binding) engine.HostModule {
	m := engine.HostModule{Name: l.Namespace()}
	m.Func("info", func(_ context.Context, mod api.Module, stack []uint64) {
		text := string(read(mod, "log.info", api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), b.StageLimit))
		l.Info(text, zap.Stringer("instance", b.Instance))
	}, []api.ValueType{engine.I32, engine.I32}, nil)
	return m
}

// Info logs one line of capsule output.
func (l *Log) Info(text string, fields ...zap.Field) {
	l.logger.Info("[capsule] "+text, fields...)

	l.mu.Lock()
	l.recent = append(l.recent, text)
	if len(l.recent) > recentLines {
		l.recent = l.recent[len(l.recent)-recentLines:]
	}
	l.mu.Unlock()
}

// Recent returns the last lines capsules logged, oldest first.
func (l *Log) Recent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.recent...)
}
