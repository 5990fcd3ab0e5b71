// Package joblog emits structured lifecycle events for jobs. Events are
// single log lines with key=value fields so they can be grepped by job or
// trace id.
package joblog

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// Logger writes lifecycle events. The zero value is not usable; use New.
type Logger struct {
	out *log.Logger
}

// New returns a Logger writing to the given log.Logger, or the standard
// logger when nil.
func New(out *log.Logger) *Logger {
	if out == nil {
		out = log.Default()
	}
	return &Logger{out: out}
}

// Event writes one lifecycle event line. kv is a flat list of key/value
// pairs; string values are quoted to keep the line parseable.
func (l *Logger) Event(event string, kv ...any) {
	var sb strings.Builder
	sb.WriteString(time.Now().UTC().Format(time.RFC3339))
	sb.WriteString(" event=")
	sb.WriteString(event)

	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		sb.WriteByte(' ')
		sb.WriteString(key)
		sb.WriteByte('=')
		switch v := kv[i+1].(type) {
		case string:
			fmt.Fprintf(&sb, "%q", v)
		default:
			fmt.Fprint(&sb, v)
		}
	}

	l.out.Print(sb.String())
}
