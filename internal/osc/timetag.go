package osc

import "time"

// secondsFrom1900To1970 is the offset between the NTP and Unix epochs.
const secondsFrom1900To1970 = 2208988800

// Immediately is the special time tag value meaning "process on receipt".
const Immediately Timetag = 1

// Timetag is an OSC time tag: a 64-bit NTP fixed point number whose upper 32 bits
// count seconds since 1900-01-01 and whose lower 32 bits are a binary fraction of a
// second. Decoding carries it through unchanged.
type Timetag uint64

// NewTimetag converts t to an OSC time tag.
func NewTimetag(t time.Time) Timetag {
	secs := uint64(t.Unix()+secondsFrom1900To1970) << 32
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return Timetag(secs | frac)
}

// Seconds returns the upper 32 bits: whole seconds since 1900.
func (t Timetag) Seconds() uint32 { return uint32(t >> 32) }

// Fraction returns the lower 32 bits: the fractional part of a second.
func (t Timetag) Fraction() uint32 { return uint32(t) }

// Time returns the time tag as a time.Time in UTC.
func (t Timetag) Time() time.Time {
	secs := int64(t.Seconds()) - secondsFrom1900To1970
	nsec := (int64(t.Fraction()) * int64(time.Second)) >> 32
	return time.Unix(secs, nsec).UTC()
}

// IsImmediate reports whether t is the "immediately" time tag.
func (t Timetag) IsImmediate() bool { return t == Immediately }
