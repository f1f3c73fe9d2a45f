// Package codec implements the framed wire protocol: each message is a
// big-endian uint32 length prefix followed by exactly that many bytes of a
// tagged JSON envelope (internal/domain/wire.Envelope).
package codec

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/carapace-gateway/carapace/internal/domain/wire"
)

// DefaultMaxFrameSize is the default maximum frame body size (16 MiB), per
// the decoder contract: frames exceeding this close the connection with a
// protocol error.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned by Decode when a frame's declared length
// exceeds the configured maximum.
type ErrFrameTooLarge struct {
	Declared uint32
	Max      uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("codec: frame length %d exceeds maximum %d", e.Declared, e.Max)
}

// Encode writes one framed message to w: a 4-byte big-endian length prefix
// followed by the JSON-encoded envelope.
func Encode(w io.Writer, env *wire.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("codec: marshal envelope: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("codec: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("codec: write frame body: %w", err)
	}
	return nil
}

// Decoder reads framed messages from an underlying io.Reader, enforcing a
// maximum frame size. It is not safe for concurrent use; callers pair one
// Decoder with one read loop per connection.
type Decoder struct {
	r       *bufio.Reader
	maxSize uint32
}

// NewDecoder wraps r with the default maximum frame size.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxSize: DefaultMaxFrameSize}
}

// NewDecoderSize wraps r with an explicit maximum frame size.
func NewDecoderSize(r io.Reader, maxSize uint32) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxSize: maxSize}
}

// Decode reads one framed message. On a frame whose declared length exceeds
// the configured maximum, it returns *ErrFrameTooLarge without consuming the
// frame body; callers must treat this as a protocol error and close the
// connection rather than attempt to resync. Unrecognized envelope "type"
// values are not rejected here — json.Unmarshal fills only matching fields,
// and the caller's dispatch switch on the populated payload field handles
// the unknown-tag case by emitting an ErrorMessage and continuing, per the
// decoder contract.
func (d *Decoder) Decode() (*wire.Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > d.maxSize {
		return nil, &ErrFrameTooLarge{Declared: n, Max: d.maxSize}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("codec: read frame body: %w", err)
	}
	var env wire.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("codec: unmarshal envelope: %w", err)
	}
	return &env, nil
}
