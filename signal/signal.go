// Package signal implements the framed control signals exchanged between an
// actor and its worker. A signal travels as a single 8-byte message whose
// upper 56 bits carry a fixed discriminator, making accidental collision with
// application payloads negligible.
package signal

import (
	"encoding/binary"
	"fmt"
)

// Signal is one of the three control tags understood by the actor handshake.
type Signal uint8

const (
	Success Signal = 1
	Failure Signal = 2
	Stop    Signal = 3
)

// discriminator occupies the high 56 bits of the frame; the low byte is the tag.
const discriminator uint64 = 0x7766554433221100

// FrameSize is the exact length of an encoded signal.
const FrameSize = 8

// Frame encodes the signal as its 8-byte little-endian wire form.
func (s Signal) Frame() []byte {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint64(buf, discriminator|uint64(s))
	return buf
}

func (s Signal) IsSuccess() bool { return s == Success }
func (s Signal) IsFailure() bool { return s == Failure }
func (s Signal) IsStop() bool    { return s == Stop }

func (s Signal) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("signal(%d)", uint8(s))
	}
}

// Parse reports whether the payload is a signal frame. Payloads of the wrong
// length, wrong discriminator, or unknown tag are not signals.
func Parse(payload []byte) (Signal, bool) {
	if len(payload) != FrameSize {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(payload)
	if v&^uint64(0xff) != discriminator {
		return 0, false
	}
	switch s := Signal(v & 0xff); s {
	case Success, Failure, Stop:
		return s, true
	default:
		return 0, false
	}
}
