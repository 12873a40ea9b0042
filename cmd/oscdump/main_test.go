package main

import (
	"bytes"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dantee296/SwiftOSC/internal/capture"
	"github.com/Dantee296/SwiftOSC/internal/osc"
)

// datagramRecorder collects every replayed datagram.
type datagramRecorder struct {
	datagrams [][]byte
}

func (r *datagramRecorder) Write(p []byte) (int, error) {
	r.datagrams = append(r.datagrams, append([]byte(nil), p...))
	return len(p), nil
}

func buildCapture(t *testing.T, payloads ...[]byte) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	w, err := capture.NewWriter(&buf)
	require.NoError(t, err)

	base := time.Unix(1700000000, 0)
	for i, p := range payloads {
		require.NoError(t, w.Write(capture.Datagram{
			Timestamp:   base.Add(time.Duration(i) * time.Millisecond),
			Source:      netip.MustParseAddrPort("192.168.0.10:9000"),
			Destination: netip.MustParseAddrPort("192.168.0.20:57120"),
			Payload:     p,
		}))
	}
	return &buf
}

func TestDump(t *testing.T) {
	msg, err := osc.Marshal(osc.NewMessage("/mixer/mute", osc.Bool(true)))
	require.NoError(t, err)
	bundle, err := osc.Marshal(osc.NewBundle(osc.Immediately,
		osc.NewMessage("/a", osc.Int32(1)),
		osc.NewMessage("/b", osc.Int32(2)),
	))
	require.NoError(t, err)
	garbage := []byte("garbage")

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	replay := &datagramRecorder{}

	summary, err := dump(buildCapture(t, msg, bundle, garbage), capture.Filter{Port: 57120}, logger, replay, true)
	require.NoError(t, err)

	assert.Equal(t, dumpSummary{
		datagrams:    3,
		messages:     3,
		bundles:      1,
		decodeErrors: 1,
		replayed:     3,
	}, summary)
	assert.Equal(t, [][]byte{msg, bundle, garbage}, replay.datagrams)

	out := logs.String()
	assert.True(t, strings.Contains(out, "/mixer/mute ,T true"), "expected decoded message in log output")
	assert.True(t, strings.Contains(out, "reason=unrecognized_header"), "expected decode failure reason in log output")
}

func TestDumpWithoutReplay(t *testing.T) {
	msg, err := osc.Marshal(osc.NewMessage("/x"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	summary, err := dump(buildCapture(t, msg), capture.Filter{}, logger, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.messages)
	assert.Zero(t, summary.replayed)
}

func TestDumpFilterExcludesOtherPorts(t *testing.T) {
	msg, err := osc.Marshal(osc.NewMessage("/x"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	summary, err := dump(buildCapture(t, msg), capture.Filter{Port: 8000}, logger, nil, false)
	require.NoError(t, err)
	assert.Zero(t, summary.datagrams)
}
