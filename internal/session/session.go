// Package session wraps one accepted connection with the protocol-level
// behavior shared by the control and comm endpoints: peer identity
// resolution, frame send/receive, and the single-exchange (control) or
// request-plus-stream (comm) lifecycle.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/user"
	"time"

	"github.com/google/uuid"

	"github.com/privleap/privleapd/internal/peercred"
	"github.com/privleap/privleapd/internal/wire"
)

// Kind distinguishes a control session (no further identity check beyond
// reaching the filesystem-protected path) from a comm session (peer
// identity is authenticated against the endpoint's bound user).
type Kind int

const (
	Control Kind = iota
	Comm
)

// ErrIdentityMismatch is returned by NewComm when the kernel-reported peer
// UID resolves to a user name different from the one the comm endpoint was
// created for. This should only happen if the socket's filesystem
// permissions were bypassed or raced, so it is treated as a hard,
// immediately-fatal-to-the-session error.
var ErrIdentityMismatch = errors.New("session: peer identity does not match comm endpoint owner")

// Session is an ephemeral wrapper over one accepted connection. It is used
// for at most one request/response exchange (control) or one request plus
// a streamed response (comm), then closed; it is never shared between
// goroutines.
type Session struct {
	conn      net.Conn
	kind      Kind
	userName  string // only meaningful for Comm sessions
	id        string
	testDelay time.Duration
	log       *slog.Logger
}

// NewControl wraps a connection accepted on the control endpoint. No peer
// credential check is performed: reaching the filesystem-protected control
// socket at all is the trust boundary.
func NewControl(conn net.Conn, testDelay time.Duration, log *slog.Logger) *Session {
	return &Session{conn: conn, kind: Control, id: uuid.NewString(), testDelay: testDelay, log: log}
}

// NewComm wraps a connection accepted on a comm endpoint bound to
// boundUser. It resolves the kernel-reported peer UID to a user name and
// refuses the session outright if it doesn't match boundUser.
func NewComm(conn net.Conn, boundUser string, testDelay time.Duration, log *slog.Logger) (*Session, error) {
	creds, err := peercred.Get(conn)
	if err != nil {
		return nil, fmt.Errorf("session: resolve peer credentials: %w", err)
	}

	u, err := user.LookupId(fmt.Sprintf("%d", creds.UID))
	if err != nil {
		return nil, fmt.Errorf("session: resolve uid %d to user name: %w", creds.UID, err)
	}

	if u.Username != boundUser {
		return nil, fmt.Errorf("%w: endpoint is for %q, peer resolved to %q", ErrIdentityMismatch, boundUser, u.Username)
	}

	return &Session{
		conn:      conn,
		kind:      Comm,
		userName:  boundUser,
		id:        uuid.NewString(),
		testDelay: testDelay,
		log:       log,
	}, nil
}

// ID returns a per-session correlation identifier. The comm handler
// attaches it to every log line it emits for this session, so concurrent
// worker output stays traceable; the control handler attaches it to its
// read-failure and protocol-violation lines only.
func (s *Session) ID() string { return s.id }

// UserName returns the authenticated peer user name. Only valid for Comm
// sessions.
func (s *Session) UserName() string { return s.userName }

// Receive reads one frame and decodes it into a wire.Message.
func (s *Session) Receive() (wire.Message, error) {
	payload, err := wire.ReadFrame(s.conn)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Decode(payload)
}

// Send encodes and writes msg, retrying on short writes.
func (s *Session) Send(msg wire.Message) error {
	if s.testDelay > 0 {
		// Stabilizes race conditions in the test harness: gives a client
		// time to be definitely listening before a reply lands.
		time.Sleep(s.testDelay)
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return wire.WriteFrame(s.conn, frame)
}

// SendSafe sends msg, swallowing and logging any error (most often the
// peer having already disconnected) so callers can fire-and-forget a reply
// without special-casing a dead client. It returns whether the send
// succeeded.
func (s *Session) SendSafe(msg wire.Message) bool {
	if err := s.Send(msg); err != nil {
		s.log.Error("could not send reply, peer may have disconnected", "session", s.id, "type", msg.Type, "error", err)
		return false
	}
	return true
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Conn exposes the underlying connection for callers that need raw access.
// The handlers in this module do not use it: they send every reply,
// including each stdout/stderr chunk, through Send/SendSafe.
func (s *Session) Conn() net.Conn { return s.conn }
