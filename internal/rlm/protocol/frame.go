package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 16 << 20

// WriteFrame writes a 4-byte big-endian length followed by data.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("write frame of %d bytes: %w", len(data), ErrFrameTooLarge)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned unwrapped
// only when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, &ProtocolError{Reason: "truncated frame header", Err: err}
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame length %d", n), Err: ErrFrameTooLarge}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &ProtocolError{Reason: "truncated frame body", Err: err}
	}
	return body, nil
}

// Conn carries Messages over a byte stream. Send is safe for concurrent
// use; Receive must be called from a single reader goroutine.
type Conn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
	wmu sync.Mutex
}

// NewConn wraps a stream.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc, r: bufio.NewReader(rwc)}
}

// Send encodes and writes one message.
func (c *Conn) Send(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.rwc, data)
}

// Receive reads and parses the next message.
func (c *Conn) Receive() (*Message, error) {
	data, err := ReadFrame(c.r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rwc.Close()
}
