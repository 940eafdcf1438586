package logger

import "go.uber.org/zap"

// Segment symbols attached to log lines as a structured field, so that
// scheduling-loop output can be filtered without parsing messages.
const (
	SymbolPulse      = "꩜" // scheduling loop ticks
	SymbolPulseOpen  = "✿" // startup
	SymbolPulseClose = "❀" // shutdown
	SymbolDB         = "⊔" // storage
	SymbolWorker     = "⌬" // worker processes and RPC
)

// PulseInfow logs an info message with the Pulse symbol
func PulseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, append([]interface{}{FieldSymbol, SymbolPulse}, keysAndValues...)...)
	}
}

// PulseWarnw logs a warning message with the Pulse symbol
func PulseWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, append([]interface{}{FieldSymbol, SymbolPulse}, keysAndValues...)...)
	}
}

// DBInfow logs an info message with the DB symbol
func DBInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, append([]interface{}{FieldSymbol, SymbolDB}, keysAndValues...)...)
	}
}

// AddPulseSymbol wraps a logger with the Pulse symbol
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymbolPulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymbolPulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymbolPulseClose)
}

// AddDBSymbol wraps a logger with the DB symbol
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymbolDB)
}

// AddWorkerSymbol wraps a logger with the Worker symbol
func AddWorkerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymbolWorker)
}
