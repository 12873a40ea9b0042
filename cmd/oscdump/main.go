// Command oscdump decodes the OSC traffic in a pcap file and optionally
// replays the raw datagrams to a live receiver.
//
//	oscdump -pcap session.pcap -port 57120
//	oscdump -pcap session.pcap -replay 127.0.0.1:57120 -realtime
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Dantee296/SwiftOSC/internal/capture"
	"github.com/Dantee296/SwiftOSC/internal/osc"
)

func main() {
	pcapPath := flag.String("pcap", "", "Path to the pcap file to read")
	port := flag.Uint("port", 0, "Only consider UDP packets to or from this port (0 = all)")
	replay := flag.String("replay", "", "Send every datagram to this host:port")
	realtime := flag.Bool("realtime", false, "Preserve the original spacing between replayed datagrams")
	format := flag.String("format", "text", "Log format: text or json")
	flag.Parse()

	var handler slog.Handler
	if *format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	logger := slog.New(handler)

	if *pcapPath == "" || *port > 65535 {
		fmt.Fprintln(os.Stderr, "usage: oscdump -pcap file [-port n] [-replay host:port] [-realtime]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	f, err := os.Open(*pcapPath)
	if err != nil {
		logger.Error("Failed to open capture", slog.String("path", *pcapPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer f.Close()

	var client *osc.Client
	if *replay != "" {
		client, err = osc.Dial(*replay)
		if err != nil {
			logger.Error("Failed to dial replay target", slog.String("addr", *replay), slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer client.Close()
	}

	summary, err := dump(f, capture.Filter{Port: uint16(*port)}, logger, client, *realtime)
	if err != nil {
		logger.Error("Failed to read capture", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Capture summary",
		slog.Int("datagrams", summary.datagrams),
		slog.Int("messages", summary.messages),
		slog.Int("bundles", summary.bundles),
		slog.Int("decode_errors", summary.decodeErrors),
		slog.Int("replayed", summary.replayed),
	)
}

type dumpSummary struct {
	datagrams    int
	messages     int
	bundles      int
	decodeErrors int
	replayed     int
}

// dump decodes every datagram in the capture, logging each decoded element
// and each failure. When w is non-nil the raw datagrams are written to it.
func dump(r io.Reader, filter capture.Filter, logger *slog.Logger, w io.Writer, realtime bool) (dumpSummary, error) {
	var summary dumpSummary

	reader, err := capture.NewReader(r, filter)
	if err != nil {
		return summary, err
	}

	var previous time.Time
	for {
		dg, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return summary, nil
		}
		if err != nil {
			return summary, err
		}
		summary.datagrams++

		attrs := []any{
			slog.Time("captured_at", dg.Timestamp),
			slog.String("source", dg.Source.String()),
			slog.String("destination", dg.Destination.String()),
			slog.Int("size", len(dg.Payload)),
		}

		elem, err := osc.DecodePacket(dg.Payload)
		if err != nil {
			summary.decodeErrors++
			logger.Warn("Undecodable datagram", append(attrs,
				slog.String("reason", osc.Reason(err)),
				slog.String("error", err.Error()),
			)...)
		} else {
			osc.Walk(elem, func(e osc.Element) {
				switch el := e.(type) {
				case *osc.Message:
					summary.messages++
					logger.Info("Message", append(attrs, slog.String("message", el.String()))...)
				case *osc.Bundle:
					summary.bundles++
					logger.Info("Bundle", append(attrs,
						slog.Uint64("timetag", uint64(el.Timetag)),
						slog.Int("elements", len(el.Elements)),
					)...)
				}
			})
		}

		if w == nil {
			continue
		}
		if realtime && !previous.IsZero() {
			if gap := dg.Timestamp.Sub(previous); gap > 0 {
				time.Sleep(gap)
			}
		}
		previous = dg.Timestamp
		if _, err := w.Write(dg.Payload); err != nil {
			return summary, fmt.Errorf("replay datagram %d: %w", summary.datagrams, err)
		}
		summary.replayed++
	}
}
