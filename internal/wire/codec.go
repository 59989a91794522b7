package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gogo/protobuf/proto"
)

// maxFrameLength bounds the length prefix so a corrupt or hostile peer
// can't make the codec allocate an unbounded buffer.
const maxFrameLength = 64 << 20 // 64MiB

// FrameError reports a codec-level failure: a length prefix outside
// [1, maxFrameLength], or an I/O error while filling a frame (including a
// clean half-close mid-frame). It is always fatal to the Transport that
// produced it, per spec.md 4.1.
type FrameError struct {
	Op  string
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("wire: %s: %v", e.Op, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Frame is a decoded, still-opaque wire message: a type tag plus the raw
// payload bytes. Decode into a concrete proto.Message with Frame.Decode.
type Frame struct {
	Type    Type
	Payload []byte
}

// Decode unmarshals the frame payload into msg using the reflection-based
// gogo/protobuf marshaler driven by the `protobuf:"..."` struct tags on the
// message catalog in messages.go. The wire schema itself never needs to be
// known to this package beyond the struct tags already on those types.
func (f Frame) Decode(msg proto.Message) error {
	if err := proto.Unmarshal(f.Payload, msg); err != nil {
		return &FrameError{Op: "decode", Err: err}
	}
	return nil
}

// ReadFrame reads one `<length:4 BE><type:1><payload>` frame from r. length
// counts the type byte plus the payload, matching spec.md 4.1.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, &FrameError{Op: "read length", Err: err}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxFrameLength {
		return Frame{}, &FrameError{Op: "read length", Err: fmt.Errorf("length %d out of bounds", length)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, &FrameError{Op: "read body", Err: err}
	}

	return Frame{Type: Type(body[0]), Payload: body[1:]}, nil
}

// WriteFrame encodes msg as typ and writes the framed bytes to w in a
// single Write call, so concurrent writers serialized by a single-writer
// discipline (internal/transport) never interleave partial frames.
func WriteFrame(w io.Writer, typ Type, msg proto.Message) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return &FrameError{Op: "encode", Err: err}
	}

	length := uint32(len(payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[:4], length)
	buf[4] = byte(typ)
	copy(buf[5:], payload)

	if _, err := w.Write(buf); err != nil {
		return &FrameError{Op: "write", Err: err}
	}
	return nil
}
