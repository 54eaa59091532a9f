package tftp

import (
	"context"
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server owns the well-known UDP endpoint and dispatches one Session per
// accepted RRQ/WRQ, per spec §4.3.
type Server struct {
	conn *net.UDPConn
	fs   FileSystem
	log  *logrus.Logger
}

// NewServer wraps an already-bound UDP socket. Binding is left to the
// caller (cmd/tftpserv) so tests can bind an ephemeral port.
func NewServer(conn *net.UDPConn, fs FileSystem, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{conn: conn, fs: fs, log: log}
}

// Addr returns the listener's bound local address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve runs the accept loop until ctx is cancelled; read errors before that
// are logged and the loop continues. Each received datagram is handled on
// its own goroutine, which validates it and, for an accepted request, runs
// the Session (task-per-request, per spec §9's license to replace fork()
// with any equivalent isolation); Serve waits for all in-flight sessions to finish unwinding
// before returning, using an errgroup in place of the original's SIGCHLD
// reaping.
func (s *Server) Serve(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	for {
		buf := make([]byte, MaxDatagramSize+1)
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.WithError(err).Error("listener read failed")
			continue
		}

		peer, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		datagram := buf[:n]

		group.Go(func() error {
			s.accept(gctx, peer, datagram)
			return nil
		})
	}

	return group.Wait()
}

// accept validates and dispatches a single initial datagram, replying with
// an ERROR and returning without spawning a Session for every rejection
// path named in spec §4.3 and §7 (PathRejected, OpenFailure included).
func (s *Server) accept(ctx context.Context, peer *net.UDPAddr, datagram []byte) {
	log := s.log.WithFields(logrus.Fields{
		"peer":    peer.String(),
		"session": uuid.NewString(),
	})

	if len(datagram) < 4 {
		log.Warn("invalid request size")
		s.replyError(peer, ErrNotDefined, "invalid request size")
		return
	}

	msg, err := Decode(datagram)
	if err != nil {
		if opcode := Kind(uint16(datagram[0])<<8 | uint16(datagram[1])); opcode != KindRRQ && opcode != KindWRQ {
			log.WithField("opcode", opcode.String()).Warn("invalid opcode")
			s.replyError(peer, ErrIllegalOperation, "invalid opcode")
			return
		}
		log.WithError(err).Warn("invalid filename or mode")
		s.replyError(peer, ErrNotDefined, "invalid filename or mode")
		return
	}

	switch msg.Kind {
	case KindRRQ, KindWRQ:
		s.acceptRequest(ctx, peer, log, msg)
	default:
		log.WithField("opcode", msg.Kind.String()).Warn("invalid opcode")
		s.replyError(peer, ErrIllegalOperation, "invalid opcode")
	}
}

func (s *Server) acceptRequest(ctx context.Context, peer *net.UDPAddr, log *logrus.Entry, req Message) {
	if _, err := s.fs.Resolve(req.Filename); err != nil {
		log.WithField("file", req.Filename).Warn("filename outside base directory")
		s.replyError(peer, ErrNotDefined, "filename outside base directory")
		return
	}

	verb := "get"
	var dir Direction
	var stream interface{}
	var openErr error
	switch req.Kind {
	case KindRRQ:
		dir = Read
		f, err := s.fs.Open(req.Filename)
		openErr = err
		stream = f
	case KindWRQ:
		verb = "put"
		dir = Write
		f, err := s.fs.Create(req.Filename)
		openErr = err
		stream = f
	}

	if openErr != nil {
		code := ClassifyOpenError(openErr)
		log.WithError(openErr).Warn("open failed")
		s.replyError(peer, code, openErr.Error())
		return
	}

	if req.Mode == "" {
		log.Warn("transfer mode not specified")
		s.replyError(peer, ErrNotDefined, "transfer mode not specified")
		closeStream(stream)
		return
	}
	if !IsKnownMode(req.Mode) {
		log.WithField("mode", req.Mode).Warn("invalid transfer mode")
		s.replyError(peer, ErrNotDefined, "invalid transfer mode")
		closeStream(stream)
		return
	}

	log.WithFields(logrus.Fields{
		"file": req.Filename,
		"mode": req.Mode,
	}).Infof("request received: %s %q %s", verb, req.Filename, req.Mode)

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		log.WithError(err).Error("allocate ephemeral session socket")
		s.replyError(peer, ErrNotDefined, "server error")
		closeStream(stream)
		return
	}

	session := NewSession(dir, peer, conn, stream, log)
	outcome := session.Run(ctx)
	closeStream(stream)
	logOutcome(log, outcome)
}

func closeStream(stream interface{}) {
	if c, ok := stream.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func logOutcome(log *logrus.Entry, o Outcome) {
	switch o.Kind {
	case Completed:
		log.Info("transfer completed")
	case TimedOut:
		log.Warn("transfer timed out")
	case Aborted:
		log.Warn("transfer killed")
	case PeerError:
		log.WithFields(logrus.Fields{"code": o.PeerCode, "msg": o.PeerMsg}).Warn("error message received")
	case LocalError:
		log.WithError(o.Err).WithField("kind", o.LocalKind.String()).Warn("transfer killed")
	}
}

// replyError sends an ERROR datagram from the well-known socket back to
// addr, best-effort, matching spec §4.3's "reply ERROR ... continue".
func (s *Server) replyError(addr *net.UDPAddr, code ErrorCode, msg string) {
	b, err := NewError(code, msg).Encode()
	if err != nil {
		s.log.WithError(err).Error("encode error reply")
		return
	}
	if _, err := s.conn.WriteTo(b, addr); err != nil {
		s.log.WithError(errors.Wrap(err, "send error reply")).Error("listener write failed")
	}
}
