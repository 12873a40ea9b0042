package osc

import (
	"fmt"
	"strconv"
)

// Argument is a tagged OSC argument value. Tag selects which value field is
// meaningful; T, F, N and I carry no payload beyond the tag itself.
type Argument struct {
	Tag     TypeTag
	Int     int32
	Float   float32
	Str     string
	Blob    []byte
	Timetag Timetag
}

// Int32 returns an 'i' argument.
func Int32(v int32) Argument { return Argument{Tag: TypeInt32, Int: v} }

// Float32 returns an 'f' argument.
func Float32(v float32) Argument { return Argument{Tag: TypeFloat32, Float: v} }

// String returns an 's' argument.
func String(v string) Argument { return Argument{Tag: TypeString, Str: v} }

// Blob returns a 'b' argument holding b.
func Blob(b []byte) Argument { return Argument{Tag: TypeBlob, Blob: b} }

// Bool returns a 'T' or 'F' argument.
func Bool(v bool) Argument {
	if v {
		return Argument{Tag: TypeTrue}
	}
	return Argument{Tag: TypeFalse}
}

// Null returns an 'N' argument.
func Null() Argument { return Argument{Tag: TypeNull} }

// Impulse returns an 'I' argument.
func Impulse() Argument { return Argument{Tag: TypeImpulse} }

// TimetagArg returns a 't' argument.
func TimetagArg(tt Timetag) Argument { return Argument{Tag: TypeTimetag, Timetag: tt} }

// Value returns the argument as a plain Go value: int32, float32, string,
// []byte, bool, Timetag, or nil for Null and Impulse.
func (a Argument) Value() any {
	switch a.Tag {
	case TypeInt32:
		return a.Int
	case TypeFloat32:
		return a.Float
	case TypeString:
		return a.Str
	case TypeBlob:
		return a.Blob
	case TypeTrue:
		return true
	case TypeFalse:
		return false
	case TypeTimetag:
		return a.Timetag
	default:
		return nil
	}
}

// String implements the fmt.Stringer interface.
func (a Argument) String() string {
	switch a.Tag {
	case TypeInt32:
		return strconv.FormatInt(int64(a.Int), 10)
	case TypeFloat32:
		return strconv.FormatFloat(float64(a.Float), 'g', -1, 32)
	case TypeString:
		return strconv.Quote(a.Str)
	case TypeBlob:
		return fmt.Sprintf("blob(%d)", len(a.Blob))
	case TypeTrue:
		return "true"
	case TypeFalse:
		return "false"
	case TypeNull:
		return "Nil"
	case TypeImpulse:
		return "Impulse"
	case TypeTimetag:
		return fmt.Sprintf("%d", uint64(a.Timetag))
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(a.Tag))
	}
}
