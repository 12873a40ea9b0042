package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Wire layout constants.
const (
	bundleTag        = "#bundle\x00"
	bundleHeaderSize = len(bundleTag) + bit64Size // tag + time tag
	bit32Size        = 4
	bit64Size        = 8
)

// Decoder turns raw OSC packets into Element trees. A Decoder holds no mutable
// state and is safe for concurrent use.
type Decoder struct {
	validate AddressValidator
}

// NewDecoder returns a Decoder that checks message addresses with validate. A nil
// validate falls back to ValidAddress.
func NewDecoder(validate AddressValidator) *Decoder {
	if validate == nil {
		validate = ValidAddress
	}
	return &Decoder{validate: validate}
}

var defaultDecoder = NewDecoder(ValidAddress)

// DecodePacket decodes data with the default address validator.
func DecodePacket(data []byte) (Element, error) { return defaultDecoder.DecodePacket(data) }

// DecodeMessage decodes data as a message with the default address validator.
func DecodeMessage(data []byte) (*Message, error) { return defaultDecoder.DecodeMessage(data) }

// DecodeBundle decodes data as a bundle with the default address validator.
func DecodeBundle(data []byte) (*Bundle, error) { return defaultDecoder.DecodeBundle(data) }

// IsBundle reports whether data starts with the "#bundle\0" marker.
func IsBundle(data []byte) bool {
	return len(data) >= len(bundleTag) && string(data[:len(bundleTag)]) == bundleTag
}

// DecodePacket classifies data by its first bytes and decodes it as a message
// ('/') or a bundle ("#bundle\0"). Anything else is ErrUnrecognizedHeader.
func (d *Decoder) DecodePacket(data []byte) (Element, error) {
	switch {
	case len(data) > 0 && data[0] == '/':
		msg, err := d.DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		return msg, nil

	case IsBundle(data):
		b, err := d.DecodeBundle(data)
		if err != nil {
			return nil, err
		}
		return b, nil

	case len(data) == 0:
		return nil, decodeErr(ErrUnrecognizedHeader, 0, "empty packet")

	default:
		return nil, decodeErr(ErrUnrecognizedHeader, 0, "first byte 0x%02x", data[0])
	}
}

// DecodeMessage decodes a complete OSC message. The returned message never
// aliases data. No partial message is returned on failure.
func (d *Decoder) DecodeMessage(data []byte) (*Message, error) {
	// Address pattern
	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return nil, decodeErr(ErrMissingAddressTerminator, 0, "no NUL in %d bytes", len(data))
	}

	addr := string(data[:end])
	if !d.validate(addr) {
		return nil, decodeErr(ErrInvalidAddress, 0, "%q", addr)
	}

	pos := alignedEnd(end)
	if pos > len(data) {
		return nil, decodeErr(ErrTruncated, end, "address padding needs %d bytes, have %d", pos, len(data))
	}

	msg := &Message{Address: Address(addr)}

	// Senders predating OSC 1.0 may omit the type tag string entirely.
	if pos == len(data) {
		return msg, nil
	}

	// Type tag string
	if data[pos] != ',' {
		return nil, decodeErr(ErrMalformedTypeTag, pos, "expected ',' got 0x%02x", data[pos])
	}
	tagEnd := bytes.IndexByte(data[pos:], 0)
	if tagEnd < 0 {
		return nil, decodeErr(ErrMalformedTypeTag, pos, "missing type tag terminator")
	}
	codes := data[pos+1 : pos+tagEnd]

	next := pos + alignedEnd(tagEnd)
	if next > len(data) {
		return nil, decodeErr(ErrTruncated, pos+tagEnd, "type tag padding needs %d bytes, have %d", next, len(data))
	}
	pos = next

	// Arguments
	args := make([]Argument, 0, len(codes))
	for _, c := range codes {
		arg, n, err := decodeArgument(TypeTag(c), data, pos)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		pos += n
	}
	if len(args) > 0 {
		msg.Arguments = args
	}

	return msg, nil
}

// decodeArgument decodes one argument of type tag starting at data[pos] and
// returns it with the number of bytes consumed, padding included.
func decodeArgument(tag TypeTag, data []byte, pos int) (Argument, int, error) {
	rest := data[pos:]

	switch tag {
	case TypeInt32:
		if len(rest) < bit32Size {
			return Argument{}, 0, short(tag, pos, bit32Size, len(rest))
		}
		return Int32(int32(binary.BigEndian.Uint32(rest))), bit32Size, nil

	case TypeFloat32:
		if len(rest) < bit32Size {
			return Argument{}, 0, short(tag, pos, bit32Size, len(rest))
		}
		return Float32(math.Float32frombits(binary.BigEndian.Uint32(rest))), bit32Size, nil

	case TypeString:
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return Argument{}, 0, decodeErr(ErrTruncated, pos, "unterminated string argument")
		}
		n := alignedEnd(end)
		if n > len(rest) {
			return Argument{}, 0, short(tag, pos, n, len(rest))
		}
		return String(string(rest[:end])), n, nil

	case TypeBlob:
		if len(rest) < bit32Size {
			return Argument{}, 0, short(tag, pos, bit32Size, len(rest))
		}
		size := binary.BigEndian.Uint32(rest)
		if uint64(size) > uint64(len(rest)-bit32Size) {
			return Argument{}, 0, decodeErr(ErrTruncated, pos, "blob length %d exceeds remaining %d bytes", size, len(rest)-bit32Size)
		}
		n := bit32Size + int(size) + padBytesNeeded(int(size))
		if n > len(rest) {
			return Argument{}, 0, short(tag, pos, n, len(rest))
		}
		blob := make([]byte, size)
		copy(blob, rest[bit32Size:])
		return Blob(blob), n, nil

	case TypeTrue:
		return Bool(true), 0, nil

	case TypeFalse:
		return Bool(false), 0, nil

	case TypeNull:
		return Null(), 0, nil

	case TypeImpulse:
		return Impulse(), 0, nil

	case TypeTimetag:
		if len(rest) < bit64Size {
			return Argument{}, 0, short(tag, pos, bit64Size, len(rest))
		}
		return TimetagArg(Timetag(binary.BigEndian.Uint64(rest))), bit64Size, nil

	default:
		return Argument{}, 0, decodeErr(ErrUnknownTypeCode, pos, "%q", rune(tag))
	}
}

// DecodeBundle decodes a complete OSC bundle. Element lengths must partition the
// element region exactly, and any malformed element fails the whole bundle.
func (d *Decoder) DecodeBundle(data []byte) (*Bundle, error) {
	if !IsBundle(data) {
		return nil, decodeErr(ErrUnrecognizedHeader, 0, "missing #bundle marker")
	}
	if len(data) < bundleHeaderSize {
		return nil, decodeErr(ErrTruncated, len(bundleTag), "bundle time tag needs %d bytes, have %d", bundleHeaderSize, len(data))
	}

	bundle := &Bundle{
		Timetag: Timetag(binary.BigEndian.Uint64(data[len(bundleTag):bundleHeaderSize])),
	}

	pos := bundleHeaderSize
	for pos < len(data) {
		if len(data)-pos < bit32Size {
			return nil, decodeErr(ErrBundleLength, pos, "%d trailing bytes cannot hold an element length", len(data)-pos)
		}
		size := binary.BigEndian.Uint32(data[pos:])
		pos += bit32Size

		if uint64(size) > uint64(len(data)-pos) {
			return nil, decodeErr(ErrBundleLength, pos-bit32Size, "element length %d exceeds remaining %d bytes", size, len(data)-pos)
		}

		elem, err := d.DecodePacket(data[pos : pos+int(size)])
		if err != nil {
			return nil, fmt.Errorf("bundle element %d at offset %d: %w", len(bundle.Elements), pos, err)
		}
		bundle.Elements = append(bundle.Elements, elem)
		pos += int(size)
	}

	return bundle, nil
}

// alignedEnd returns the offset of the next 4-byte boundary after a NUL found at
// offset end, i.e. the number of bytes a padded OSC-string of that length occupies.
func alignedEnd(end int) int {
	return (end/4 + 1) * 4
}

// padBytesNeeded determines how many bytes are needed to fill up to the next 4
// byte length.
func padBytesNeeded(elementLen int) int {
	return (4 - elementLen%4) % 4
}

func short(tag TypeTag, pos, need, have int) error {
	return decodeErr(ErrTruncated, pos, "'%c' argument needs %d bytes, have %d", rune(tag), need, have)
}
