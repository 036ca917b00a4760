package transport

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// maxFrameLen guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const maxFrameLen = 16 << 20

// WriteFrame writes a 4-byte big-endian length prefix followed by
// ciphertext.
func WriteFrame(w io.Writer, ciphertext []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "transport: write frame length")
	}
	if _, err := w.Write(ciphertext); err != nil {
		return errors.Wrap(err, "transport: write frame body")
	}
	return nil
}

// ReadFrame reads one length-prefixed ciphertext frame. Returns io.EOF
// unwrapped when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(err, "transport: truncated frame length")
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, errors.Errorf("transport: frame length %d exceeds maximum %d", n, maxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "transport: truncated frame body")
	}
	return buf, nil
}
