package logbus

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLevelToBus maps zap's levels onto the wire-format codes in spec §6.
func zapLevelToBus(l zapcore.Level) Level {
	switch l {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.InfoLevel:
		return LevelInfo
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.ErrorLevel:
		return LevelError
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return LevelFatal
	default:
		return LevelInfo
	}
}

// core fans every record written through it both to the wrapped
// process-local core and to the Bus, scoped to one run. This realizes
// spec §4.3's "writer that both mirrors to process-local logging and
// appends here".
type core struct {
	zapcore.Core
	bus    *Bus
	runID  uuid.UUID
	source string
}

// NewCore wraps next so that every entry logged through it is also
// appended to bus under runID.
func NewCore(next zapcore.Core, bus *Bus, runID uuid.UUID, source string) zapcore.Core {
	return &core{Core: next, bus: bus, runID: runID, source: source}
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	return &core{Core: c.Core.With(fields), bus: c.bus, runID: c.runID, source: c.source}
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}

	c.bus.Append(c.runID, Entry{
		Timestamp: ent.Time,
		Level:     zapLevelToBus(ent.Level),
		Source:    c.source,
		Msg:       ent.Message,
		Fields:    enc.Fields,
	})

	return c.Core.Write(ent, fields)
}

// RunLogger builds a zap.Logger scoped to one run that mirrors every
// record into bus as well as the parent process logger.
func RunLogger(parent *zap.Logger, bus *Bus, runID uuid.UUID, source string) *zap.Logger {
	return parent.WithOptions(
		zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return NewCore(c, bus, runID, source)
		}),
	).With(zap.String("run_id", runID.String()), zap.Time("bound_at", time.Now().UTC()))
}
