package osc

import (
	"fmt"
	"strings"
)

// TypeTag is a single OSC argument type code as it appears in the type-tag string.
type TypeTag byte

// Supported argument type codes.
const (
	TypeInt32   TypeTag = 'i'
	TypeFloat32 TypeTag = 'f'
	TypeString  TypeTag = 's'
	TypeBlob    TypeTag = 'b'
	TypeTrue    TypeTag = 'T'
	TypeFalse   TypeTag = 'F'
	TypeNull    TypeTag = 'N'
	TypeImpulse TypeTag = 'I'
	TypeTimetag TypeTag = 't'
)

// Address is an OSC address pattern. Decoded addresses have always passed an
// AddressValidator.
type Address string

// Element is either a *Message or a *Bundle.
type Element interface {
	element()
	String() string
}

// Message represents a single OSC message: an address and its ordered arguments.
type Message struct {
	Address   Address
	Arguments []Argument
}

// Bundle represents an OSC bundle: a time tag followed by zero or more elements
// in wire order. Elements may themselves be bundles.
type Bundle struct {
	Timetag  Timetag
	Elements []Element
}

func (*Message) element() {}
func (*Bundle) element()  {}

// Verify that interfaces are implemented properly.
var (
	_ Element = (*Message)(nil)
	_ Element = (*Bundle)(nil)
)

// NewMessage returns a message for addr with the given arguments. The address is
// not validated; decoding is the only path that guarantees a valid address.
func NewMessage(addr string, args ...Argument) *Message {
	return &Message{Address: Address(addr), Arguments: args}
}

// NewBundle returns a bundle carrying tt and the given elements.
func NewBundle(tt Timetag, elems ...Element) *Bundle {
	return &Bundle{Timetag: tt, Elements: elems}
}

// TypeTags returns the type-tag string of the message, including the leading ','.
func (m *Message) TypeTags() string {
	tags := make([]byte, 0, len(m.Arguments)+1)
	tags = append(tags, ',')
	for _, arg := range m.Arguments {
		tags = append(tags, byte(arg.Tag))
	}
	return string(tags)
}

// String implements the fmt.Stringer interface.
func (m *Message) String() string {
	if m == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(string(m.Address))
	sb.WriteByte(' ')
	sb.WriteString(m.TypeTags())
	for _, arg := range m.Arguments {
		sb.WriteByte(' ')
		sb.WriteString(arg.String())
	}
	return sb.String()
}

// String implements the fmt.Stringer interface.
func (b *Bundle) String() string {
	if b == nil {
		return ""
	}
	return fmt.Sprintf("#bundle{Timetag:%d, Elements:%d}", uint64(b.Timetag), len(b.Elements))
}

// Messages returns every message in the bundle, depth-first in wire order.
func (b *Bundle) Messages() []*Message {
	var out []*Message
	Walk(b, func(e Element) {
		if m, ok := e.(*Message); ok {
			out = append(out, m)
		}
	})
	return out
}

// Walk visits e and, for bundles, every nested element depth-first in wire
// order. A bundle is visited before its elements.
func Walk(e Element, visit func(Element)) {
	visit(e)
	if b, ok := e.(*Bundle); ok {
		for _, child := range b.Elements {
			Walk(child, visit)
		}
	}
}
