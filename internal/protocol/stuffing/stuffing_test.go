package stuffing

import (
	"bytes"
	"errors"
	"testing"
)

func seq(from, to int) []byte {
	out := make([]byte, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, byte(i))
	}
	return out
}

func cat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestCOBSVectors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"empty", nil, []byte{0x01, 0x00}},
		{"zero", []byte{0x00}, []byte{0x01, 0x01, 0x00}},
		{"two zeros", []byte{0x00, 0x00}, []byte{0x01, 0x01, 0x01, 0x00}},
		{"mixed", []byte{0x00, 0x11, 0x00}, []byte{0x01, 0x02, 0x11, 0x01, 0x00}},
		{"inner zero", []byte{0x11, 0x22, 0x00, 0x33}, []byte{0x03, 0x11, 0x22, 0x02, 0x33, 0x00}},
		{"no zero", []byte{0x11, 0x22, 0x33, 0x44}, []byte{0x05, 0x11, 0x22, 0x33, 0x44, 0x00}},
		{"trailing zeros", []byte{0x11, 0x00, 0x00, 0x00}, []byte{0x02, 0x11, 0x01, 0x01, 0x01, 0x00}},
		{"scenario", []byte{0x11, 0x00, 0x22}, []byte{0x02, 0x11, 0x02, 0x22, 0x00}},
		{"254 nonzero", seq(1, 254), cat([]byte{0xFF}, seq(1, 254), []byte{0x00})},
		{"leading zero 255", seq(0, 254), cat([]byte{0x01, 0xFF}, seq(1, 254), []byte{0x00})},
		{"255 nonzero", seq(1, 255), cat([]byte{0xFF}, seq(1, 254), []byte{0x02, 0xFF, 0x00})},
		{"254 then zero", cat(seq(2, 255), []byte{0x00}), cat([]byte{0xFF}, seq(2, 255), []byte{0x01, 0x01, 0x00})},
		{"253 zero one", cat(seq(3, 255), []byte{0x00, 0x01}), cat([]byte{0xFE}, seq(3, 255), []byte{0x02, 0x01, 0x00})},
	}
	for _, tc := range cases {
		got := COBSEncode(tc.in)
		if !bytes.Equal(got, tc.want) {
			t.Fatalf("%s: encode mismatch\n got=% X\nwant=% X", tc.name, got, tc.want)
		}
		back, err := COBSDecode(got)
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if !bytes.Equal(back, tc.in) {
			t.Fatalf("%s: decode mismatch got=% X want=% X", tc.name, back, tc.in)
		}
	}
}

func TestCOBSDecodeTruncated(t *testing.T) {
	if _, err := COBSDecode([]byte{0x05, 0x11}); !errors.Is(err, ErrCOBSTruncated) {
		t.Fatalf("expected ErrCOBSTruncated, got %v", err)
	}
}

func TestSLIPEncodeEscapesEnd(t *testing.T) {
	s := DefaultSLIP()
	got := s.Encode([]byte{0x01, 0xC0, 0x02}, nil)
	want := []byte{0x01, 0xDB, 0xDC, 0x02, 0xC0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got=% X want=% X", got, want)
	}
}

func TestSLIPEncodeWithStart(t *testing.T) {
	s := DefaultSLIP()
	start := byte(0xC0)
	got := s.Encode([]byte{0xDB}, &start)
	want := []byte{0xC0, 0xDB, 0xDD, 0xC0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got=% X want=% X", got, want)
	}
}

func TestSLIPUnescapeRoundTrip(t *testing.T) {
	s := DefaultSLIP()
	payloads := [][]byte{
		nil,
		{0xC0},
		{0xDB, 0xDC},
		{0xDB, 0xC0, 0xDD, 0xDB},
		seq(0, 255),
	}
	for _, p := range payloads {
		back := s.Unescape(s.Escape(p))
		if !bytes.Equal(back, p) {
			t.Fatalf("round trip mismatch got=% X want=% X", back, p)
		}
	}
}
