package chat

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionOptions tunes per-connection buffers. Zero values fall back to
// the package defaults.
type SessionOptions struct {
	OutboxSize      int
	MaxMessageBytes int
}

// Session is the server side of one client connection.
type Session struct {
	id   string
	conn net.Conn
	reg  *Registry

	name  atomic.Value // string
	state atomic.Int32

	out       chan string
	done      chan struct{}
	writing   atomic.Bool
	closeOnce sync.Once

	maxMessageBytes int
	logger          *slog.Logger
}

func NewSession(conn net.Conn, reg *Registry, opts SessionOptions, logger *slog.Logger) *Session {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	s := &Session{
		id:              id,
		conn:            conn,
		reg:             reg,
		out:             make(chan string, opts.OutboxSize),
		done:            make(chan struct{}),
		maxMessageBytes: opts.MaxMessageBytes,
		logger:          logger.With("session_id", id, "remote_addr", remoteAddr(conn)),
	}
	s.name.Store("")
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Name() string { return s.name.Load().(string) }

func (s *Session) State() State { return State(s.state.Load()) }

// Run drives the session until the client quits or the transport fails.
// It blocks and is meant to run on its own goroutine.
func (s *Session) Run() {
	defer s.teardown()

	s.writing.Store(true)
	startOutboundWriter(s.conn, s.out, s.done)
	s.reg.Add(s)

	reader := newLineReader(s.conn, s.maxMessageBytes)

	name, err := s.handshake(reader)
	if err != nil {
		s.logger.Info("handshake aborted", "error", err)
		return
	}
	log := s.logger.With("name", name)
	log.Info("user joined")
	s.reg.BroadcastExceptSender(name+" joined", s.id)

	cmds := s.reg.Commands()
	for {
		line, err := reader.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read failed", "error", err)
			}
			s.leave(log)
			return
		}

		switch line {
		case "":
			continue
		case cmds.ListCommands.Token:
			MessagesTotal.WithLabelValues("list_commands").Inc()
			log.Info("command", "token", line)
			s.reg.ReplyToSender(cmds.reply(s.reg.ListCommands()), s.id)
		case cmds.ListUsers.Token:
			MessagesTotal.WithLabelValues("list_users").Inc()
			log.Info("command", "token", line)
			s.reg.ReplyToSender(cmds.reply(s.reg.ListUserNames()), s.id)
		case cmds.Quit.Token:
			MessagesTotal.WithLabelValues("quit").Inc()
			s.reg.Remove(s.id)
			s.Close()
			s.leave(log)
			return
		default:
			MessagesTotal.WithLabelValues("chat").Inc()
			text := name + ": " + line
			log.Debug("chat", "text", text)
			s.reg.BroadcastExceptSender(text, s.id)
		}
	}
}

// handshake reads the first non-empty message and registers it as the
// display name.
func (s *Session) handshake(reader *lineReader) (string, error) {
	for {
		line, err := reader.next()
		if err != nil {
			return "", err
		}
		if line == "" {
			continue
		}
		s.name.Store(line)
		s.reg.RegisterName(line)
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
		return line, nil
	}
}

func (s *Session) leave(log *slog.Logger) {
	name := s.Name()
	s.reg.UnregisterName(name)
	log.Info("user left")
	s.reg.BroadcastExceptSender(name+": left the chat", s.id)
}

func (s *Session) teardown() {
	s.reg.Remove(s.id)
	s.Close()
}

// Close stops the session. The outbound writer flushes what is already
// queued, then releases the transport. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		if !s.writing.Load() {
			_ = s.conn.Close()
			return
		}
		// Unblocks a writer stuck on a peer that stopped reading.
		_ = s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	})
}

// deliver queues message without blocking. Messages for a closed session
// or a full outbox are dropped.
func (s *Session) deliver(message string) {
	select {
	case <-s.done:
		DroppedDeliveries.Inc()
		return
	default:
	}
	select {
	case s.out <- message:
	default:
		DroppedDeliveries.Inc()
		s.logger.Warn("outbox full, message dropped")
	}
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
