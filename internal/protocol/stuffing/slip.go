package stuffing

// RFC 1055 special bytes.
const (
	SLIPEnd    byte = 0xC0
	SLIPEsc    byte = 0xDB
	SLIPEscEnd byte = 0xDC
	SLIPEscEsc byte = 0xDD
)

// SLIP holds the special characters for one SLIP dialect.
type SLIP struct {
	End    byte
	Esc    byte
	EscEnd byte
	EscEsc byte
}

func DefaultSLIP() SLIP {
	return SLIP{End: SLIPEnd, Esc: SLIPEsc, EscEnd: SLIPEscEnd, EscEsc: SLIPEscEsc}
}

// Escape replaces every End and Esc byte in data with its two byte sequence.
func (s SLIP) Escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8+2)
	for _, b := range data {
		switch b {
		case s.Esc:
			out = append(out, s.Esc, s.EscEsc)
		case s.End:
			out = append(out, s.Esc, s.EscEnd)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses Escape. An escape byte followed by anything other than
// EscEnd or EscEsc is kept as-is.
func (s SLIP) Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b == s.Esc && i+1 < len(data) {
			switch data[i+1] {
			case s.EscEnd:
				out = append(out, s.End)
				i++
				continue
			case s.EscEsc:
				out = append(out, s.Esc)
				i++
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

// Encode escapes data and wraps it in an optional start byte and the end byte.
func (s SLIP) Encode(data []byte, start *byte) []byte {
	esc := s.Escape(data)
	out := make([]byte, 0, len(esc)+2)
	if start != nil {
		out = append(out, *start)
	}
	out = append(out, esc...)
	return append(out, s.End)
}
