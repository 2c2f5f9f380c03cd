package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/relog-db/relog/rpc/common"
	"github.com/relog-db/relog/rpc/serializer"
)

// ErrChannelTimeout is returned when a read deadline expires before a full
// frame arrived. Callers treat it as "no traffic", which on a replication
// channel is a liveness failure, not a benign idle state.
var ErrChannelTimeout = errors.New("channel read timed out")

// maxFrameSize rejects frames that cannot be legitimate messages before any
// allocation happens.
const maxFrameSize = 1 << 26 // 64 MiB

// --------------------------------------------------------------------------
// Channel
// --------------------------------------------------------------------------

// Channel frames replication messages over a single network connection.
// Frames are a 4-byte big-endian length followed by the serialized message.
//
// Reads and writes may run concurrently (the read loop and the output writer
// each own one direction), but each direction supports only one goroutine.
type Channel struct {
	conn net.Conn
	ser  serializer.IWireSerializer

	// read-side buffer, owned by the reading goroutine
	readBuf []byte

	// writeMu serializes writers during shutdown edge cases
	writeMu sync.Mutex
}

// NewChannel wraps an established connection with message framing.
func NewChannel(conn net.Conn, ser serializer.IWireSerializer) *Channel {
	return &Channel{
		conn:    conn,
		ser:     ser,
		readBuf: make([]byte, 4096),
	}
}

// Write serializes and sends one message, applying the given write timeout.
// A zero timeout means no deadline.
func (c *Channel) Write(msg *common.Message, timeout time.Duration) error {
	data, err := c.ser.Serialize(*msg)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", msg.MsgType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	b := net.Buffers{header, data}
	if _, err := b.WriteTo(c.conn); err != nil {
		return err
	}
	return nil
}

// Read blocks until one full message arrives or the timeout expires.
// A timeout is reported as ErrChannelTimeout; a remote close as io.EOF.
func (c *Channel) Read(timeout time.Duration) (*common.Message, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	// Read header
	if _, err := io.ReadFull(c.conn, c.readBuf[:4]); err != nil {
		return nil, wrapReadErr(err)
	}
	frameLen := binary.BigEndian.Uint32(c.readBuf[:4])
	if frameLen == 0 || frameLen > maxFrameSize {
		return nil, fmt.Errorf("invalid frame length %d", frameLen)
	}

	// Grow the read buffer if needed
	if int(frameLen) > len(c.readBuf) {
		c.readBuf = make([]byte, frameLen)
	}

	// Read body
	if _, err := io.ReadFull(c.conn, c.readBuf[:frameLen]); err != nil {
		return nil, wrapReadErr(err)
	}

	msg := &common.Message{}
	if err := c.ser.Deserialize(c.readBuf[:frameLen], msg); err != nil {
		return nil, fmt.Errorf("failed to deserialize frame: %w", err)
	}
	return msg, nil
}

// Close force-closes the underlying connection. This unblocks any pending
// Read or Write on the channel.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the address of the peer.
func (c *Channel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// wrapReadErr maps net timeouts onto the distinguished timeout error so
// callers can separate liveness failures from hard I/O faults.
func wrapReadErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrChannelTimeout
	}
	return err
}
