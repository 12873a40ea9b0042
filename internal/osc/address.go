package osc

// AddressValidator reports whether an address pattern is acceptable. Decoders
// consult it once per message before reading the type tag.
type AddressValidator func(addr string) bool

// ValidAddress is the default AddressValidator. It accepts printable ASCII
// patterns starting with '/' that contain no space or '#' and whose '[]' and
// '{}' groups are balanced and not nested.
func ValidAddress(addr string) bool {
	if len(addr) == 0 || addr[0] != '/' {
		return false
	}

	var open byte
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		if c < 0x21 || c > 0x7e || c == '#' {
			return false
		}

		switch c {
		case '[', '{':
			if open != 0 {
				return false
			}
			open = c
		case ']':
			if open != '[' {
				return false
			}
			open = 0
		case '}':
			if open != '{' {
				return false
			}
			open = 0
		}
	}

	return open == 0
}
