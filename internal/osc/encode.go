package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Marshal serializes an element into its OSC 1.0 wire form. The output layout is
// the one DecodePacket reads, so Marshal followed by DecodePacket reproduces the
// element.
func Marshal(e Element) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := writeElement(buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeElement(buf *bytes.Buffer, e Element) error {
	switch t := e.(type) {
	case *Message:
		return writeMessage(buf, t)
	case *Bundle:
		return writeBundle(buf, t)
	default:
		return fmt.Errorf("unsupported OSC element type: %T", e)
	}
}

// writeMessage writes:
// 1. OSC Address Pattern
// 2. OSC Type Tag String
// 3. OSC Arguments
func writeMessage(buf *bytes.Buffer, m *Message) error {
	if m == nil {
		return fmt.Errorf("message is nil")
	}
	if strings.IndexByte(string(m.Address), 0) >= 0 {
		return fmt.Errorf("address %q contains a NUL byte", m.Address)
	}
	writePaddedString(buf, string(m.Address))
	writePaddedString(buf, m.TypeTags())

	var scratch [bit64Size]byte
	for i, arg := range m.Arguments {
		switch arg.Tag {
		case TypeInt32:
			binary.BigEndian.PutUint32(scratch[:], uint32(arg.Int))
			buf.Write(scratch[:bit32Size])
		case TypeFloat32:
			binary.BigEndian.PutUint32(scratch[:], math.Float32bits(arg.Float))
			buf.Write(scratch[:bit32Size])
		case TypeString:
			if strings.IndexByte(arg.Str, 0) >= 0 {
				return fmt.Errorf("argument %d: string %q contains a NUL byte", i, arg.Str)
			}
			writePaddedString(buf, arg.Str)
		case TypeBlob:
			writeBlob(buf, arg.Blob)
		case TypeTimetag:
			binary.BigEndian.PutUint64(scratch[:], uint64(arg.Timetag))
			buf.Write(scratch[:])
		case TypeTrue, TypeFalse, TypeNull, TypeImpulse:
			// No payload.
		default:
			return fmt.Errorf("argument %d: unsupported type tag 0x%02x", i, byte(arg.Tag))
		}
	}
	return nil
}

// writeBundle writes:
// 1. Bundle string: '#bundle'
// 2. OSC timetag
// 3. Length of each element followed by the element
func writeBundle(buf *bytes.Buffer, b *Bundle) error {
	if b == nil {
		return fmt.Errorf("bundle is nil")
	}
	buf.WriteString(bundleTag)

	var scratch [bit64Size]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(b.Timetag))
	buf.Write(scratch[:])

	for i, elem := range b.Elements {
		data, err := Marshal(elem)
		if err != nil {
			return fmt.Errorf("bundle element %d: %w", i, err)
		}
		binary.BigEndian.PutUint32(scratch[:], uint32(len(data)))
		buf.Write(scratch[:bit32Size])
		buf.Write(data)
	}
	return nil
}

// writePaddedString writes str, its NUL terminator and padding up to the next
// 4-byte boundary.
func writePaddedString(buf *bytes.Buffer, str string) {
	buf.WriteString(str)
	n := alignedEnd(len(str)) - len(str)
	buf.Write(make([]byte, n))
}

// writeBlob writes the blob length, the data and padding up to the next 4-byte
// boundary.
func writeBlob(buf *bytes.Buffer, data []byte) {
	var size [bit32Size]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	buf.Write(size[:])
	buf.Write(data)
	buf.Write(make([]byte, padBytesNeeded(len(data))))
}
