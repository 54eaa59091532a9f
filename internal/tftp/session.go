package tftp

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Direction is which half of a transfer a Session drives.
type Direction int

const (
	// Read serves an RRQ: the server sends DATA, the peer ACKs.
	Read Direction = iota
	// Write serves a WRQ: the peer sends DATA, the server ACKs.
	Write
)

const (
	// RecvTimeout is how long a Session waits for a single datagram
	// before retransmitting, per spec §4.2.3.
	RecvTimeout = 5 * time.Second
	// RecvRetries is how many retransmit attempts a Session makes before
	// giving up with Outcome{Kind: TimedOut}.
	RecvRetries = 5
)

// Session drives one RRQ or WRQ to completion over its own ephemeral
// socket, pinned to a single peer address (the TID). It is created fresh
// per accepted request and discarded on completion, error, or timeout —
// there is no session reuse and no shared mutable state with any other
// Session.
type Session struct {
	dir    Direction
	peer   *net.UDPAddr
	conn   *net.UDPConn
	reader io.Reader
	writer io.Writer
	log    *logrus.Entry

	recvTimeout time.Duration
	recvRetries int
}

// NewSession constructs a Session. conn must already be bound to an
// ephemeral local port (net.ListenUDP("udp", nil)); stream is the
// io.Reader returned by FileSystem.Open for a Read session, or the
// io.Writer returned by FileSystem.Create for a Write session.
func NewSession(dir Direction, peer *net.UDPAddr, conn *net.UDPConn, stream interface{}, log *logrus.Entry) *Session {
	s := &Session{
		dir:         dir,
		peer:        peer,
		conn:        conn,
		log:         log,
		recvTimeout: RecvTimeout,
		recvRetries: RecvRetries,
	}
	if r, ok := stream.(io.Reader); ok {
		s.reader = r
	}
	if w, ok := stream.(io.Writer); ok {
		s.writer = w
	}
	return s
}

// Run drives the session's state machine to completion, honoring ctx for
// cooperative shutdown (spec §5): if ctx is cancelled while the session is
// waiting on the peer, it sends ERROR(0, "server shutting down")
// best-effort and returns Outcome{Kind: Aborted}.
func (s *Session) Run(ctx context.Context) Outcome {
	defer s.conn.Close()

	switch s.dir {
	case Read:
		return s.runRead(ctx)
	case Write:
		return s.runWrite(ctx)
	default:
		return localErrorOutcome(ProtocolViolation, errors.New("session has no direction"))
	}
}

// runRead implements the RRQ state machine of spec §4.2.1.
func (s *Session) runRead(ctx context.Context) Outcome {
	var block uint16
	buf := make([]byte, MaxDataSize)

	for {
		n, err := io.ReadFull(s.reader, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return localErrorOutcome(IoFailure, errors.Wrap(err, "read source stream"))
		}
		terminal := n < MaxDataSize
		block++

		data := append([]byte(nil), buf[:n]...)
		dataMsg := NewData(block, data)

		outcome, ok := s.sendAndAwait(ctx, dataMsg, func(resp Message) (Outcome, bool) {
			if resp.Kind != KindAck {
				return s.protocolViolation("invalid message during transfer"), true
			}
			if resp.Block != block {
				return s.fatal(ErrNotDefined, "invalid ack number"), true
			}
			return Outcome{}, false
		})
		if ok {
			return outcome
		}

		if terminal {
			s.log.WithField("block", block).Info("transfer completed")
			return completedOutcome()
		}
	}
}

// runWrite implements the WRQ state machine of spec §4.2.2.
func (s *Session) runWrite(ctx context.Context) Outcome {
	var block uint16 // last ACKed block

	if err := s.send(NewAck(block)); err != nil {
		return localErrorOutcome(IoFailure, errors.Wrap(err, "send initial ACK"))
	}

	for {
		expected := block + 1
		msg, outcome, done := s.awaitWithRetransmit(ctx, NewAck(block), func(resp Message) (Outcome, bool) {
			if resp.Kind != KindData {
				return s.fatal(ErrNotDefined, "invalid message during transfer"), true
			}
			if resp.Block != expected {
				return s.fatal(ErrNotDefined, "invalid block number"), true
			}
			return Outcome{}, false
		})
		if done {
			return outcome
		}

		if _, err := s.writer.Write(msg.Data); err != nil {
			s.sendErrorBestEffort(ErrNotDefined, err.Error())
			return localErrorOutcome(IoFailure, errors.Wrap(err, "write sink stream"))
		}
		block = expected
		terminal := len(msg.Data) < MaxDataSize

		if err := s.send(NewAck(block)); err != nil {
			return localErrorOutcome(IoFailure, errors.Wrap(err, "send ACK"))
		}

		if terminal {
			s.log.WithField("block", block).Info("transfer completed")
			return completedOutcome()
		}
	}
}

// sendAndAwait sends msg, then waits for a response, retransmitting msg on
// each timeout up to recvRetries times. judge inspects a structurally valid
// response and either returns (outcome, true) to terminate the session, or
// (zero, false) to mean "valid, proceed to the next block" — used by the
// read side, where a good ACK just lets the loop continue.
func (s *Session) sendAndAwait(ctx context.Context, out Message, judge func(Message) (Outcome, bool)) (Outcome, bool) {
	if err := s.send(out); err != nil {
		return localErrorOutcome(IoFailure, errors.Wrap(err, "send datagram")), true
	}

	for attempt := 0; attempt < s.recvRetries; attempt++ {
		resp, err := s.recvFromPeer(ctx, s.recvTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.sendErrorBestEffort(ErrNotDefined, "server shutting down")
				return abortedOutcome(), true
			}
			if isTimeout(err) {
				if err := s.send(out); err != nil {
					return localErrorOutcome(IoFailure, errors.Wrap(err, "retransmit datagram")), true
				}
				continue
			}
			if errors.Is(err, ErrMalformed) {
				s.sendErrorBestEffort(ErrNotDefined, "invalid request size")
			}
			return localErrorOutcome(MalformedPeerMessage, err), true
		}

		if resp.Kind == KindError {
			return peerErrorOutcome(resp.ErrCode, resp.ErrMsg), true
		}

		if outcome, terminate := judge(resp); terminate {
			return outcome, true
		}
		return Outcome{}, false
	}

	return timedOutOutcome(), true
}

// awaitWithRetransmit is sendAndAwait's write-side counterpart: it doesn't
// send a fresh message up front (the caller already sent the last ACK), it
// retransmits lastSent on timeout, and on a judged-good response it returns
// the response itself rather than looping, since the write side needs the
// DATA payload.
func (s *Session) awaitWithRetransmit(ctx context.Context, lastSent Message, judge func(Message) (Outcome, bool)) (Message, Outcome, bool) {
	for attempt := 0; attempt < s.recvRetries; attempt++ {
		resp, err := s.recvFromPeer(ctx, s.recvTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.sendErrorBestEffort(ErrNotDefined, "server shutting down")
				return Message{}, abortedOutcome(), true
			}
			if isTimeout(err) {
				if err := s.send(lastSent); err != nil {
					return Message{}, localErrorOutcome(IoFailure, errors.Wrap(err, "retransmit ACK")), true
				}
				continue
			}
			if errors.Is(err, ErrMalformed) {
				s.sendErrorBestEffort(ErrNotDefined, "invalid request size")
			}
			return Message{}, localErrorOutcome(MalformedPeerMessage, err), true
		}

		if resp.Kind == KindError {
			return Message{}, peerErrorOutcome(resp.ErrCode, resp.ErrMsg), true
		}

		if outcome, terminate := judge(resp); terminate {
			return Message{}, outcome, true
		}
		return resp, Outcome{}, false
	}

	return Message{}, timedOutOutcome(), true
}

// recvFromPeer waits up to timeout for a datagram from the pinned peer,
// silently discarding (per spec §3's TID-pinning invariant) any datagram
// from a different address without consuming the caller's retry budget,
// and racing the wait against ctx cancellation.
func (s *Session) recvFromPeer(ctx context.Context, timeout time.Duration) (Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, errTimeout{}
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			return Message{}, err
		}

		type result struct {
			n    int
			addr net.Addr
			err  error
		}
		buf := make([]byte, MaxDatagramSize)
		ch := make(chan result, 1)
		go func() {
			n, addr, err := s.conn.ReadFrom(buf)
			ch <- result{n: n, addr: addr, err: err}
		}()

		select {
		case <-ctx.Done():
			s.conn.SetReadDeadline(time.Now())
			<-ch
			return Message{}, context.Canceled

		case r := <-ch:
			if r.err != nil {
				if isTimeout(r.err) {
					return Message{}, errTimeout{}
				}
				return Message{}, r.err
			}
			if r.addr.String() != s.peer.String() {
				s.log.WithField("from", r.addr.String()).Warn("datagram from unpinned address ignored")
				continue
			}
			return Decode(buf[:r.n])
		}
	}
}

func (s *Session) send(msg Message) error {
	b, err := msg.Encode()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(b, s.peer)
	return err
}

func (s *Session) sendErrorBestEffort(code ErrorCode, msg string) {
	_ = s.send(NewError(code, msg))
}

func (s *Session) fatal(code ErrorCode, msg string) Outcome {
	s.sendErrorBestEffort(code, msg)
	return localErrorOutcome(ProtocolViolation, errors.New(msg))
}

func (s *Session) protocolViolation(msg string) Outcome {
	return s.fatal(ErrIllegalOperation, msg)
}

// errTimeout is a local sentinel so recvFromPeer's internal deadline
// bookkeeping can report a timeout without depending on *net.OpError's
// shape.
type errTimeout struct{}

func (errTimeout) Error() string   { return "i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
