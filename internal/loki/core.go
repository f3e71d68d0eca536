package loki

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Core adapts a Sink to zapcore so every log call is also shipped remotely.
type Core struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	sink Sink
}

// NewCore encodes entries as JSON lines and pushes them into sink.
func NewCore(sink Sink, level zapcore.LevelEnabler) *Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return &Core{
		LevelEnabler: level,
		enc:          zapcore.NewJSONEncoder(encCfg),
		sink:         sink,
	}
}

// With implements zapcore.Core.
func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &Core{LevelEnabler: c.LevelEnabler, enc: enc, sink: c.sink}
}

// Check implements zapcore.Core.
func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write implements zapcore.Core.
func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err //nolint:wrapcheck
	}
	line := buf.String()
	buf.Free()
	// JSON encoder terminates lines; Loki stores them verbatim.
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	c.sink.Push(Entry{Time: ent.Time, Line: line})
	return nil
}

// Sync implements zapcore.Core. The sink flushes on its own schedule.
func (c *Core) Sync() error { return nil }
