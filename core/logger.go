package core

// Logger is the structured logger the engines write to. Its method set
// matches github.com/charmbracelet/log so host builds pass that logger
// directly; firmware builds use WriterLogger.
type Logger interface {
	Debug(msg interface{}, keyvals ...interface{})
	Info(msg interface{}, keyvals ...interface{})
	Warn(msg interface{}, keyvals ...interface{})
	Error(msg interface{}, keyvals ...interface{})
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Debug(msg interface{}, keyvals ...interface{}) {}
func (NopLogger) Info(msg interface{}, keyvals ...interface{}) {}
func (NopLogger) Warn(msg interface{}, keyvals ...interface{}) {}
func (NopLogger) Error(msg interface{}, keyvals ...interface{}) {}

// Log levels for WriterLogger
const (
	LevelDebug uint8 = iota
	LevelInfo
	LevelWarn
	LevelError
)

// WriterLogger formats log lines without fmt and forwards them to the
// debug writer installed with SetDebugWriter
type WriterLogger struct {
	Level uint8
}

func (l WriterLogger) Debug(msg interface{}, keyvals ...interface{}) {
	l.write(LevelDebug, "DEBU", msg, keyvals)
}

func (l WriterLogger) Info(msg interface{}, keyvals ...interface{}) {
	l.write(LevelInfo, "INFO", msg, keyvals)
}

func (l WriterLogger) Warn(msg interface{}, keyvals ...interface{}) {
	l.write(LevelWarn, "WARN", msg, keyvals)
}

func (l WriterLogger) Error(msg interface{}, keyvals ...interface{}) {
	l.write(LevelError, "ERRO", msg, keyvals)
}

func (l WriterLogger) write(level uint8, prefix string, msg interface{}, keyvals []interface{}) {
	if level < l.Level {
		return
	}
	line := prefix + " " + valueToString(msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		line += " " + valueToString(keyvals[i]) + "=" + valueToString(keyvals[i+1])
	}
	if len(keyvals)%2 == 1 {
		line += " " + valueToString(keyvals[len(keyvals)-1]) + "=?"
	}
	debugPrintln(line)
}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
