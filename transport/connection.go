package transport

import (
	"crypto/tls"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/ground-x/blmsg/block"
	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/log"
)

var logger = log.NewModuleLogger(log.Transport)

// compressionThreshold is the payload size above which WriteFrame applies
// snappy compression (SPEC_FULL.md §4.C3).
const compressionThreshold = 4096

// compressedFlag marks a Reserved[0] byte so the peer knows to decompress.
const compressedFlag = 0x01

// BlockConnection wraps a *tls.Conn with the broker's length-prefixed
// framing: u32_be headerLen | header | u32_be payloadLen | payload.
type BlockConnection struct {
	conn   *tls.Conn
	remote string

	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex

	heartbeatOnce sync.Once
	heartbeatStop chan struct{}

	closing   int32
	closeOnce sync.Once
}

// NewBlockConnection wraps an already-established TLS connection.
func NewBlockConnection(conn *tls.Conn, readTimeout, writeTimeout time.Duration) *BlockConnection {
	return &BlockConnection{
		conn:          conn,
		remote:        conn.RemoteAddr().String(),
		readTimeout:   readTimeout,
		writeTimeout:  writeTimeout,
		heartbeatStop: make(chan struct{}),
	}
}

// RemoteAddr returns the peer's address, cached at construction since it
// remains valid even after Shutdown.
func (c *BlockConnection) RemoteAddr() string { return c.remote }

// IsClosing reports whether Shutdown has been called.
func (c *BlockConnection) IsClosing() bool { return atomic.LoadInt32(&c.closing) == 1 }

// ReadFrame blocks until a complete frame is available, decoding it into a
// Frame. The payload is read into a freshly allocated slice; outBlock, if
// non-nil, is reset and also receives a copy of that payload.
func (c *BlockConnection) ReadFrame(outBlock *block.DataBlock) (Frame, error) {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	headerLen, err := c.readUint32()
	if err != nil {
		return Frame{}, err
	}
	if headerLen < headerFixedSize || headerLen > MaxHeaderSize {
		return Frame{}, errs.New(errs.CodeProtocolValidationFailed, "transport: header length %d out of range", headerLen)
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(c.conn, headerBuf); err != nil {
		return Frame{}, err
	}
	header, err := DecodeHeader(headerBuf)
	if err != nil {
		return Frame{}, err
	}

	payloadLen, err := c.readUint32()
	if err != nil {
		return Frame{}, err
	}
	if payloadLen > MaxPayloadSize {
		return Frame{}, errs.New(errs.CodeProtocolValidationFailed, "transport: payload length %d exceeds max %d", payloadLen, MaxPayloadSize)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return Frame{}, err
		}
	}

	if header.Reserved[0]&compressedFlag != 0 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return Frame{}, errs.Wrap(err, errs.CodeProtocolValidationFailed, "transport: snappy decode failed")
		}
		payload = decoded
	}

	if outBlock != nil {
		outBlock.Reset()
		if err := outBlock.Write(payload); err != nil {
			return Frame{}, err
		}
	}

	return Frame{Header: header, Payload: payload}, nil
}

// WriteFrame serializes and sends a single frame. Safe for concurrent use;
// writes are serialized under writeMu so two goroutines sending on the same
// connection never interleave frames.
func (c *BlockConnection) WriteFrame(header Header, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(payload) >= compressionThreshold {
		header.Reserved[0] |= compressedFlag
		payload = snappy.Encode(nil, payload)
	}

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	headerBuf := header.Encode()
	out := make([]byte, 0, 4+len(headerBuf)+4+len(payload))
	out = append(out, putUint32(uint32(len(headerBuf)))...)
	out = append(out, headerBuf...)
	out = append(out, putUint32(uint32(len(payload)))...)
	out = append(out, payload...)

	_, err := c.conn.Write(out)
	return err
}

// WriteHeartbeat sends a zero-payload ReceiveChunk frame with a nil chunk
// id, used to keep idle connections alive (spec.md invariant 6).
func (c *BlockConnection) WriteHeartbeat() error {
	return c.WriteFrame(Header{Command: ReceiveChunk}, nil)
}

func (c *BlockConnection) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.conn, buf[:]); err != nil {
		return 0, err
	}
	return getUint32(buf[:]), nil
}

// StartHeartbeat arms a goroutine that sends a heartbeat frame every
// interval until Shutdown is called. Calling it more than once is a no-op.
func (c *BlockConnection) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.heartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.heartbeatStop:
					return
				case <-ticker.C:
					if err := c.WriteHeartbeat(); err != nil {
						if !IsExpectedAtClose(err) {
							logger.Warn("heartbeat write failed", "remote", c.remote, "err", err)
						}
						return
					}
				}
			}
		}()
	})
}

// Shutdown closes the underlying connection. Idempotent: repeated calls
// after the first are no-ops.
func (c *BlockConnection) Shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closing, 1)
		close(c.heartbeatStop)
		err = c.conn.Close()
	})
	return err
}
