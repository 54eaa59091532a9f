package tftp

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Client is a minimal TFTP client, adapted from the teacher's
// internal/client.go. It exists to drive integration tests and the
// tftp-get debugging command; it does not negotiate options and is not a
// general-purpose TFTP client.
type Client struct {
	Timeout time.Duration
}

// Get performs an RRQ against server for filename in octet mode, writing
// the received bytes to dst and returning once the transfer completes.
func (c *Client) Get(server *net.UDPAddr, filename string, dst io.Writer) error {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = RecvTimeout
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return errors.Wrap(err, "open client socket")
	}
	defer conn.Close()

	req, err := NewRRQ(filename, ModeOctet).Encode()
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(req, server); err != nil {
		return errors.Wrap(err, "send RRQ")
	}

	var expected uint16 = 1
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		buf := make([]byte, MaxDatagramSize)
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return errors.Wrap(err, "receive DATA")
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			return err
		}

		switch msg.Kind {
		case KindError:
			return errors.Errorf("server error %d: %s", msg.ErrCode, msg.ErrMsg)
		case KindData:
			if msg.Block != expected {
				continue
			}
			if _, err := dst.Write(msg.Data); err != nil {
				return errors.Wrap(err, "write destination")
			}
			ack, err := NewAck(msg.Block).Encode()
			if err != nil {
				return err
			}
			if _, err := conn.WriteTo(ack, peer); err != nil {
				return errors.Wrap(err, "send ACK")
			}
			if len(msg.Data) < MaxDataSize {
				return nil
			}
			expected++
		default:
			return errors.Errorf("unexpected message kind %s during read", msg.Kind)
		}
	}
}

// Put performs a WRQ against server for filename in octet mode, sending
// the bytes read from src.
func (c *Client) Put(server *net.UDPAddr, filename string, src io.Reader) error {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = RecvTimeout
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return errors.Wrap(err, "open client socket")
	}
	defer conn.Close()

	req, err := NewWRQ(filename, ModeOctet).Encode()
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(req, server); err != nil {
		return errors.Wrap(err, "send WRQ")
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	buf := make([]byte, MaxDatagramSize)
	n, peer, err := conn.ReadFrom(buf)
	if err != nil {
		return errors.Wrap(err, "receive initial ACK")
	}
	ack, err := Decode(buf[:n])
	if err != nil {
		return err
	}
	if ack.Kind == KindError {
		return errors.Errorf("server error %d: %s", ack.ErrCode, ack.ErrMsg)
	}
	if ack.Kind != KindAck || ack.Block != 0 {
		return errors.New("server did not send initial ACK(0)")
	}

	block := uint16(1)
	readBuf := make([]byte, MaxDataSize)
	for {
		n, rerr := io.ReadFull(src, readBuf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return errors.Wrap(rerr, "read source")
		}

		data, err := NewData(block, readBuf[:n]).Encode()
		if err != nil {
			return err
		}
		if _, err := conn.WriteTo(data, peer); err != nil {
			return errors.Wrap(err, "send DATA")
		}

		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		ackBuf := make([]byte, MaxDatagramSize)
		an, _, err := conn.ReadFrom(ackBuf)
		if err != nil {
			return errors.Wrap(err, "receive ACK")
		}
		resp, err := Decode(ackBuf[:an])
		if err != nil {
			return err
		}
		if resp.Kind == KindError {
			return errors.Errorf("server error %d: %s", resp.ErrCode, resp.ErrMsg)
		}
		if resp.Kind != KindAck || resp.Block != block {
			return errors.Errorf("expected ACK(%d), got %s(%d)", block, resp.Kind, resp.Block)
		}

		if n < MaxDataSize {
			return nil
		}
		block++
	}
}
