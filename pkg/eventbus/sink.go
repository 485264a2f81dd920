package eventbus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/existential-birds/amelia/pkg/store"
)

// Sink receives every published event in addition to subscriber delivery,
// the same "additional pluggable backend" role the teacher's Emitter
// interface plays (log output, local debugging), kept separate from the
// subscriber fan-out that serves REST/WebSocket clients.
type Sink interface {
	Emit(event store.Event)
}

// Tee wraps a Bus so that Publish also forwards to one or more Sinks.
type Tee struct {
	*Bus
	sinks []Sink
}

// NewTee wraps bus so every Publish also forwards to sinks.
func NewTee(bus *Bus, sinks ...Sink) *Tee {
	return &Tee{Bus: bus, sinks: sinks}
}

// Publish forwards event to the wrapped Bus and then to every sink.
func (t *Tee) Publish(event store.Event) {
	t.Bus.Publish(event)
	for _, sink := range t.sinks {
		sink.Emit(event)
	}
}

// LogSink writes events as structured log lines, text or JSON, mirroring
// the teacher's LogEmitter dual-mode output.
type LogSink struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogSink creates a LogSink writing to writer (os.Stdout if nil).
func NewLogSink(writer io.Writer, jsonMode bool) *LogSink {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogSink{writer: writer, jsonMode: jsonMode}
}

func (l *LogSink) Emit(event store.Event) {
	if l.jsonMode {
		data, err := json.Marshal(event)
		if err != nil {
			_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
			return
		}
		_, _ = fmt.Fprintf(l.writer, "%s\n", data)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "[%s] workflow=%s seq=%d agent=%s %s\n",
		event.EventType, event.WorkflowID, event.Sequence, event.Agent, event.Message)
}

// NullSink discards every event. Useful when a caller needs a Sink-shaped
// no-op (testing, or disabling the secondary log stream without branching).
type NullSink struct{}

func (NullSink) Emit(store.Event) {}
