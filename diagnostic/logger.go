// Package diagnostic provides the console logger used as the fallback
// interpreter for messages no handler claims.
package diagnostic

import (
	"bytes"
	"io"
	"os"
	"sync"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	"github.com/sirupsen/logrus"
)

// https://en.wikipedia.org/wiki/ANSI_escape_code
const (
	ANSIBlue  = "\033[34m"
	ANSIRed   = "\033[31m"
	ANSIReset = "\033[0m"
)

var bufPool = sync.Pool{
	New: func() any {
		return &bytes.Buffer{}
	},
}

// Logger writes info lines in blue and error lines in red, one line per message.
type Logger struct {
	log *logrus.Logger
}

var _ cbus.Interpreter = (*Logger)(nil)

// New returns a Logger writing to w.
func New(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&ColorFormatter{})
	l.SetLevel(logrus.InfoLevel)

	return &Logger{log: l}
}

// Default returns a Logger writing to standard output.
func Default() *Logger { return New(os.Stdout) }

// Log renders message at level.
func (l *Logger) Log(message string, level cbus.Level) {
	if level == cbus.LevelError {
		l.log.Error(message)
		return
	}

	l.log.Info(message)
}

// ColorFormatter renders only the message, colored by level.
type ColorFormatter struct{}

func (f *ColorFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := bufPool.Get().(*bytes.Buffer)
	defer func() {
		b.Reset()
		bufPool.Put(b)
	}()

	if entry.Level <= logrus.ErrorLevel {
		b.WriteString(ANSIRed)
	} else {
		b.WriteString(ANSIBlue)
	}

	b.WriteString(entry.Message)
	b.WriteString(ANSIReset)
	b.WriteByte('\n')

	// the buffer goes back to the pool, so hand logrus its own copy
	out := make([]byte, b.Len())
	copy(out, b.Bytes())

	return out, nil
}
