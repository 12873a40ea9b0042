// Command oscsend sends a single OSC message, optionally wrapped in a bundle,
// to a UDP destination.
//
//	oscsend -addr 127.0.0.1:57120 /synth/freq f:440 s:sine
//
// Arguments are typed with a prefix (i: f: s: b: t:) or given as one of the
// bare flags T F N I. Unprefixed values are guessed: integers become i,
// decimals f, true/false T/F and everything else s.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Dantee296/SwiftOSC/internal/osc"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:57120", "Destination host:port")
	bundle := flag.Bool("bundle", false, "Wrap the message in an immediate bundle")
	count := flag.Int("count", 1, "Number of times to send")
	interval := flag.Duration("interval", 100*time.Millisecond, "Delay between repeated sends")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: oscsend [flags] /address [arg ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	msg, err := buildMessage(flag.Arg(0), flag.Args()[1:])
	if err != nil {
		logger.Error("Invalid message", slog.String("error", err.Error()))
		os.Exit(2)
	}

	var elem osc.Element = msg
	if *bundle {
		elem = osc.NewBundle(osc.Immediately, msg)
	}

	client, err := osc.Dial(*addr)
	if err != nil {
		logger.Error("Failed to dial", slog.String("addr", *addr), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	for i := 0; i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		if err := client.Send(elem); err != nil {
			logger.Error("Failed to send", slog.Int("attempt", i+1), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	logger.Info("Sent",
		slog.String("addr", *addr),
		slog.String("message", msg.String()),
		slog.Bool("bundle", *bundle),
		slog.Int("count", *count),
	)
}

// buildMessage validates address and parses every argument token.
func buildMessage(address string, tokens []string) (*osc.Message, error) {
	if !osc.ValidAddress(address) {
		return nil, fmt.Errorf("invalid OSC address %q", address)
	}

	args := make([]osc.Argument, 0, len(tokens))
	for _, tok := range tokens {
		arg, err := parseArgument(tok)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", tok, err)
		}
		args = append(args, arg)
	}
	return osc.NewMessage(address, args...), nil
}

func parseArgument(tok string) (osc.Argument, error) {
	switch tok {
	case "T":
		return osc.Bool(true), nil
	case "F":
		return osc.Bool(false), nil
	case "N":
		return osc.Null(), nil
	case "I":
		return osc.Impulse(), nil
	}

	if len(tok) >= 2 && tok[1] == ':' {
		value := tok[2:]
		switch tok[0] {
		case 'i':
			v, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return osc.Argument{}, err
			}
			return osc.Int32(int32(v)), nil
		case 'f':
			v, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return osc.Argument{}, err
			}
			return osc.Float32(float32(v)), nil
		case 's':
			return osc.String(value), nil
		case 'b':
			v, err := hex.DecodeString(value)
			if err != nil {
				return osc.Argument{}, err
			}
			return osc.Blob(v), nil
		case 't':
			v, err := strconv.ParseUint(value, 0, 64)
			if err != nil {
				return osc.Argument{}, err
			}
			return osc.TimetagArg(osc.Timetag(v)), nil
		default:
			return osc.Argument{}, fmt.Errorf("unknown type prefix %q", tok[:1])
		}
	}

	if v, err := strconv.ParseInt(tok, 10, 32); err == nil {
		return osc.Int32(int32(v)), nil
	}
	if strings.ContainsAny(tok, ".eE") {
		if v, err := strconv.ParseFloat(tok, 32); err == nil {
			return osc.Float32(float32(v)), nil
		}
	}
	if v, err := strconv.ParseBool(tok); err == nil && (tok == "true" || tok == "false") {
		return osc.Bool(v), nil
	}
	return osc.String(tok), nil
}
