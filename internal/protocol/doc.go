// Package protocol implements the framing, integrity and correlation stages
// that sit between a raw byte transport and discrete packets.
//
// A link owns an ordered chain of stages. Reads walk the chain in
// registration order, writes walk it in reverse. Every hook reports a
// Signal: Continue carries data onward, Stop means the stage needs more
// bytes (or dropped the input), Disconnect asks the link to abandon the
// connection.
//
// Ownership boundary:
// - stage contract, shared base behaviour and the stage registry
// - stream framing: burst, length, terminated, cobs, slip, fixed
// - integrity and correlation: crc, cmd_response, ignore_packet
// - text instruments: template
// - log entry framing: preidentified (codec in logcodec)
package protocol
