package smtpd

import (
	"crypto/tls"
	"net"
	"time"
)

// AuthState records how far an AUTH exchange has progressed.
type AuthState int

const (
	// AuthNone means no AUTH attempt is in progress and none has
	// succeeded yet.
	AuthNone AuthState = iota
	// AuthInProgress means a SASL mechanism is mid-exchange (e.g. AUTH
	// LOGIN waiting for the username continuation).
	AuthInProgress
	// AuthDone means the session has successfully authenticated.
	AuthDone
)

// Session holds the state of a single SMTP/LMTP connection: everything
// that outlives a single command and everything a Handler might want to
// inspect or mutate while deciding how to respond.
type Session struct {
	// RemoteAddr is the network address of the connected peer. Under a
	// PROXY protocol preamble this is the address reported by the proxy
	// rather than the raw TCP peer.
	RemoteAddr net.Addr

	// LocalAddr is the server-side address of the connection.
	LocalAddr net.Addr

	// TLS holds the negotiated TLS connection state, nil if the
	// connection is still in the clear.
	TLS *tls.ConnectionState

	// Hostname is the name the client gave in HELO/EHLO/LHLO.
	Hostname string

	// ExtendedSMTP is true once the client has issued EHLO (or the
	// connection is LMTP, which is always "extended").
	ExtendedSMTP bool

	// LMTP is true if this session is speaking LMTP (RFC 2033) rather
	// than SMTP/ESMTP.
	LMTP bool

	// AuthState tracks SASL negotiation progress.
	AuthState AuthState

	// AuthMechanism is the SASL mechanism that authenticated the session,
	// set when AUTH succeeds.
	AuthMechanism string

	// AuthLogin is the authenticated identity, set once AuthState
	// reaches AuthDone. It is opaque to the server: no domain
	// qualification or normalization is imposed on it.
	AuthLogin string

	// LineMax overrides, per command verb, the maximum octets accepted
	// on the command line (see readCommandLine). A zero or absent entry
	// falls back to defaultLineMax.
	LineMax map[string]int

	// PeerSignature holds a free-form description of the PROXY protocol
	// preamble, if one was required and accepted, for logging purposes.
	PeerSignature string

	// StartTime is when the connection was accepted.
	StartTime time.Time

	// Envelope is the in-progress mail transaction, nil between
	// messages (cleared by RSET, HELO/EHLO/LHLO, STARTTLS, and after
	// DATA completes).
	Envelope *Envelope

	// SecurityFailed is set when a STARTTLSHandler inspects the
	// negotiated handshake and rejects it (e.g. an unacceptable
	// certificate or cipher). Once set, every command other than QUIT
	// is refused with 554 for the rest of the connection.
	SecurityFailed bool
}

// newSession returns a Session with its maps initialized and ExtendedSMTP
// preset for LMTP (which has no separate "extended" negotiation: the
// extensions are simply always on).
func newSession(lmtp bool) *Session {
	return &Session{
		LMTP:         lmtp,
		ExtendedSMTP: lmtp,
		LineMax:      map[string]int{},
		StartTime:    time.Now(),
	}
}

// lineMaxFor returns the effective command-line size limit for verb, or
// defaultLineMax if no override was set.
func (s *Session) lineMaxFor(verb string) int {
	if m, ok := s.LineMax[verb]; ok && m > 0 {
		return m
	}
	return defaultLineMax
}

// reset clears the in-progress transaction, preserving connection-level
// and authentication state. It implements the RSET/HELO/post-DATA reset
// invariant: everything about the current message goes away, nothing
// about the session identity does.
func (s *Session) reset() {
	s.Envelope = nil
}
