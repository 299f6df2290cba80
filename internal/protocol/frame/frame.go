// Package frame splits TRDP packets out of a byte stream (MD over TCP).
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/trdp/internal/protocol"
)

var ErrFrameTooLarge = fmt.Errorf("%w: stream frame dataset exceeds limit", protocol.ErrLimit)

const readChunk = 4096

// Limits constrains how much a stream peer may ask us to buffer.
type Limits struct {
	MaxDatasetBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxDatasetBytes: protocol.MaxPDDataSize}
}

// Reader accumulates stream bytes and yields one complete packet at a time.
// Bytes received before a read error (such as an expired deadline) are kept
// and completed by later calls to Next.
type Reader struct {
	r       io.Reader
	limits  Limits
	buf     []byte
	scratch [readChunk]byte
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{r: r, limits: limits, buf: make([]byte, 0, protocol.MaxFrameSize)}
}

// Next returns the raw bytes of the next complete packet. The returned slice
// is owned by the caller. Format and limit errors mean framing is lost and the
// stream must be dropped.
func (fr *Reader) Next() ([]byte, error) {
	for {
		n, err := fr.frameLen()
		if err != nil {
			return nil, err
		}
		if n > 0 && len(fr.buf) >= n {
			out := make([]byte, n)
			copy(out, fr.buf[:n])
			rest := copy(fr.buf, fr.buf[n:])
			fr.buf = fr.buf[:rest]
			return out, nil
		}

		read, err := fr.r.Read(fr.scratch[:])
		if read > 0 {
			fr.buf = append(fr.buf, fr.scratch[:read]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(fr.buf) > 0 {
					if n, ferr := fr.frameLen(); ferr == nil && n > 0 && len(fr.buf) >= n {
						continue
					}
					return nil, io.ErrUnexpectedEOF
				}
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// Buffered returns the number of bytes held for an incomplete packet.
func (fr *Reader) Buffered() int {
	return len(fr.buf)
}

// frameLen returns the full length of the buffered head packet, or 0 when the
// length prefix has not arrived yet.
func (fr *Reader) frameLen() (int, error) {
	if len(fr.buf) < protocol.FrameLengthPrefix {
		return 0, nil
	}
	n, err := protocol.FrameLength(fr.buf[:protocol.FrameLengthPrefix])
	if err != nil {
		return 0, err
	}
	if err := fr.limits.check(fr.buf[:protocol.FrameLengthPrefix], n); err != nil {
		return 0, err
	}
	return n, nil
}

func (l Limits) check(prefix []byte, frameLen int) error {
	dataset := binary.BigEndian.Uint32(prefix[20:24])
	if frameLen > protocol.MaxFrameSize || int64(dataset) > int64(l.MaxDatasetBytes) {
		return fmt.Errorf("%w: frame=%d max_dataset=%d", ErrFrameTooLarge, frameLen, l.MaxDatasetBytes)
	}
	return nil
}

// ReadPacket blocks until one full packet has been read from r and decodes it.
func ReadPacket(r io.Reader, limits Limits) (protocol.Packet, error) {
	var prefix [protocol.FrameLengthPrefix]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return protocol.Packet{}, protocol.ErrShortHeader
		}
		return protocol.Packet{}, err
	}
	n, err := protocol.FrameLength(prefix[:])
	if err != nil {
		return protocol.Packet{}, err
	}
	if err := limits.check(prefix[:], n); err != nil {
		return protocol.Packet{}, err
	}

	buf := make([]byte, n)
	copy(buf, prefix[:])
	if _, err := io.ReadFull(r, buf[len(prefix):]); err != nil {
		if errors.Is(err, io.EOF) {
			return protocol.Packet{}, io.ErrUnexpectedEOF
		}
		return protocol.Packet{}, err
	}
	return protocol.DecodePacket(buf)
}

// WritePacket encodes and writes one packet with a single Write call.
func WritePacket(w io.Writer, h protocol.Header, payload []byte) error {
	b, err := protocol.EncodePacket(h, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
