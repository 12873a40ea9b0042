package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/Dantee296/SwiftOSC/internal/osc"
)

func TestConsumerFuncsNilFields(t *testing.T) {
	var c ConsumerFuncs

	// Must not panic.
	c.OnRawDatagram([]byte{1})
	c.OnMessage(osc.NewMessage("/x"))
	c.OnBundle(osc.NewBundle(0))
}

func TestMultiConsumer(t *testing.T) {
	var order []string

	full := ConsumerFuncs{
		RawDatagram: func([]byte) { order = append(order, "full raw") },
		Message:     func(*osc.Message) { order = append(order, "full message") },
		Bundle:      func(*osc.Bundle) { order = append(order, "full bundle") },
	}
	messagesOnly := struct{ MessageHandler }{
		MessageHandler: ConsumerFuncs{Message: func(*osc.Message) { order = append(order, "partial message") }},
	}

	mc := MultiConsumer{full, messagesOnly, nil}
	mc.OnRawDatagram(nil)
	mc.OnBundle(osc.NewBundle(0))
	mc.OnMessage(osc.NewMessage("/x"))

	want := []string{
		"full raw",
		"full bundle",
		"full message",
		"partial message",
	}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, order)
	}
}

func TestLogConsumer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := LogConsumer{Logger: logger, Level: slog.LevelDebug}

	c.OnBundle(osc.NewBundle(osc.Immediately, osc.NewMessage("/a")))
	c.OnMessage(osc.NewMessage("/synth/freq", osc.Float32(440)))

	out := buf.String()
	for _, want := range []string{
		"OSC bundle",
		"timetag=1",
		"elements=1",
		"OSC message",
		"address=/synth/freq",
		"type_tags=,f",
		"arguments=1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestLogConsumerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	c := LogConsumer{Logger: logger, Level: slog.LevelDebug}

	c.OnMessage(osc.NewMessage("/quiet"))

	if buf.Len() != 0 {
		t.Errorf("Expected no output below the handler level, got %q", buf.String())
	}
}
