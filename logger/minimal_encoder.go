package logger

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

var bufferPool = buffer.NewPool()

// minimalCore is a compact console core. Context fields from With are kept
// on the core and rendered ahead of the per-entry fields.
// Format: "13:04:35  WARN  p.dispatch  ꩜ Worker launch failed  selector=py.default error=..."
type minimalCore struct {
	zapcore.LevelEnabler
	out    zapcore.WriteSyncer
	fields []zapcore.Field
}

func newMinimalCore(out zapcore.WriteSyncer, level zapcore.LevelEnabler) *minimalCore {
	return &minimalCore{LevelEnabler: level, out: out}
}

func (c *minimalCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &minimalCore{LevelEnabler: c.LevelEnabler, out: c.out, fields: merged}
}

func (c *minimalCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *minimalCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	all := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	all = append(all, c.fields...)
	all = append(all, fields...)

	buf := encodeEntry(ent, all)
	defer buf.Free()
	if _, err := c.out.Write(buf.Bytes()); err != nil {
		return err
	}
	if ent.Level > zapcore.ErrorLevel {
		return c.out.Sync()
	}
	return nil
}

func (c *minimalCore) Sync() error {
	return c.out.Sync()
}

func encodeEntry(ent zapcore.Entry, fields []zapcore.Field) *buffer.Buffer {
	final := bufferPool.Get()

	final.AppendString(colorDim)
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	if ent.Level != zapcore.InfoLevel {
		final.AppendString("  ")
		final.AppendString(levelString(ent.Level))
	}

	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(colorCyan)
		final.AppendString(abbreviateName(ent.LoggerName))
		final.AppendString(colorReset)
	}

	final.AppendString("  ")
	if symbol := symbolOf(fields); symbol != "" {
		final.AppendString(symbol)
		final.AppendString(" ")
	}
	final.AppendString(ent.Message)

	if rendered := renderFields(fields); rendered != "" {
		final.AppendString("  ")
		final.AppendString(colorDim)
		final.AppendString(rendered)
		final.AppendString(colorReset)
	}

	final.AppendString("\n")
	return final
}

func levelString(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return colorDim + "DEBUG" + colorReset
	case zapcore.WarnLevel:
		return colorBold + colorYellow + "WARN" + colorReset
	default:
		return colorBold + colorRed + level.CapitalString() + colorReset
	}
}

// abbreviateName shortens component names: pulse.dispatch -> p.dispatch
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 && parts[0] != "" {
		return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
	}
	return name
}

func symbolOf(fields []zapcore.Field) string {
	for _, f := range fields {
		if f.Key == FieldSymbol && f.Type == zapcore.StringType {
			return f.String
		}
	}
	return ""
}

// renderFields prints every field except the symbol as key=value. Fields
// are never dropped; unknown types fall back to the map encoder.
func renderFields(fields []zapcore.Field) string {
	var parts []string
	for _, f := range fields {
		if f.Key == FieldSymbol {
			continue
		}
		parts = append(parts, f.Key+"="+fieldValue(f))
	}
	return strings.Join(parts, " ")
}

func fieldValue(f zapcore.Field) string {
	switch f.Type {
	case zapcore.StringType:
		return f.String
	case zapcore.BoolType:
		return fmt.Sprintf("%t", f.Integer == 1)
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
		return fmt.Sprintf("%d", f.Integer)
	case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type, zapcore.UintptrType:
		return fmt.Sprintf("%d", uint64(f.Integer))
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			return err.Error()
		}
	case zapcore.StringerType:
		if s, ok := f.Interface.(fmt.Stringer); ok && s != nil {
			return s.String()
		}
	}

	m := zapcore.NewMapObjectEncoder()
	f.AddTo(m)
	if v, ok := m.Fields[f.Key]; ok {
		return formatValue(v)
	}
	if len(m.Fields) > 0 {
		keys := make([]string, 0, len(m.Fields))
		for k := range m.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return formatValue(m.Fields[keys[0]])
	}
	return ""
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
