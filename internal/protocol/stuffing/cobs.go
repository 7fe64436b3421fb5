// Package stuffing implements the byte-stuffing codecs used to delimit
// frames on stream links: COBS and SLIP.
package stuffing

import "errors"

var (
	ErrCOBSZeroInFrame = errors.New("stuffing: zero byte inside cobs frame")
	ErrCOBSTruncated   = errors.New("stuffing: cobs block runs past end of frame")
)

// COBSEncode stuffs data and appends the zero frame terminator.
// A 0xFF code marks a 254 byte block with no zero after it.
func COBSEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/254+2)
	i := 0
	for {
		run := 0
		for i+run < len(data) && data[i+run] != 0 && run < 254 {
			run++
		}
		if run == 254 {
			out = append(out, 0xFF)
			out = append(out, data[i:i+run]...)
			i += run
			if i == len(data) {
				break
			}
			continue
		}
		out = append(out, byte(run+1))
		out = append(out, data[i:i+run]...)
		i += run
		if i == len(data) {
			break
		}
		// skip the zero this block encodes
		i++
		if i == len(data) {
			out = append(out, 0x01)
			break
		}
	}
	return append(out, 0x00)
}

// COBSDecode reverses COBSEncode. frame may include the trailing zero;
// decoding stops at the first zero byte.
func COBSDecode(frame []byte) ([]byte, error) {
	out := make([]byte, 0, len(frame))
	i := 0
	for i < len(frame) {
		code := int(frame[i])
		if code == 0 {
			break
		}
		i++
		end := i + code - 1
		if end > len(frame) {
			return nil, ErrCOBSTruncated
		}
		for _, b := range frame[i:end] {
			if b == 0 {
				return nil, ErrCOBSZeroInFrame
			}
		}
		out = append(out, frame[i:end]...)
		i = end
		if code != 0xFF && i < len(frame) && frame[i] != 0 {
			out = append(out, 0x00)
		}
	}
	return out, nil
}
