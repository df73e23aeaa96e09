package shm

import "fmt"

// SlotKind tells what a ring slot carries.
type SlotKind uint8

const (
	// SlotByte carries one byte of the stream.
	SlotByte SlotKind = iota
	// SlotEndOfStream marks the end of the stream; nothing follows it.
	SlotEndOfStream
	// SlotPeerExited is reported instead of a slot when the peer terminated
	// without sending end-of-stream. It is never stored in the ring.
	SlotPeerExited
)

func (k SlotKind) String() string {
	switch k {
	case SlotByte:
		return "byte"
	case SlotEndOfStream:
		return "end-of-stream"
	case SlotPeerExited:
		return "peer-exited"
	default:
		return fmt.Sprintf("SlotKind(%d)", uint8(k))
	}
}

// Slot is the value of one ring position.
type Slot struct {
	Kind  SlotKind
	Value byte
}

var (
	// EndOfStream is the slot written after the last byte.
	EndOfStream = Slot{Kind: SlotEndOfStream}
	// PeerExited is the slot reported when the peer went away.
	PeerExited = Slot{Kind: SlotPeerExited}
)

// ByteSlot returns the slot carrying b.
func ByteSlot(b byte) Slot {
	return Slot{Kind: SlotByte, Value: b}
}

func (s Slot) String() string {
	if s.Kind == SlotByte {
		return fmt.Sprintf("byte(%#02x)", s.Value)
	}
	return s.Kind.String()
}

// endOfStreamWord lies outside 0..255, so no byte value can encode to it.
const endOfStreamWord int32 = -1

func encodeSlot(s Slot) (int32, error) {
	switch s.Kind {
	case SlotByte:
		return int32(s.Value), nil
	case SlotEndOfStream:
		return endOfStreamWord, nil
	default:
		return 0, fmt.Errorf("%w: %s cannot be stored", ErrCorruptSlot, s)
	}
}

func decodeSlot(w int32) (Slot, error) {
	switch {
	case w >= 0 && w <= 0xff:
		return ByteSlot(byte(w)), nil
	case w == endOfStreamWord:
		return EndOfStream, nil
	default:
		return Slot{}, fmt.Errorf("%w: %d", ErrCorruptSlot, w)
	}
}
