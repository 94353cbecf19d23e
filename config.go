package smtpd

import (
	"crypto/tls"
	"time"

	"github.com/asmtpd/smtpd/auth"
	"github.com/asmtpd/smtpd/internal/set"
)

// SocketMode describes how a listening socket should be treated: whether
// it speaks LMTP instead of SMTP, and whether it's
// already wrapped in TLS (as opposed to starting in the clear and
// upgrading via STARTTLS).
type SocketMode struct {
	// LMTP means connections accepted on this socket speak LMTP (RFC
	// 2033), not SMTP.
	LMTP bool

	// TLS means the listener itself is wrapped in TLS (e.g. the
	// "submissions" port, 465); STARTTLS is not offered because the
	// whole session is already encrypted.
	TLS bool
}

var (
	// ModeSMTP is a plain SMTP port offering STARTTLS.
	ModeSMTP = SocketMode{}
	// ModeSMTPOverTLS is an SMTP port that is already TLS-wrapped.
	ModeSMTPOverTLS = SocketMode{TLS: true}
	// ModeLMTP is a plain LMTP port (RFC 2033 is normally run over Unix
	// sockets or a trusted network, so TLS wrapping is uncommon but not
	// forbidden).
	ModeLMTP = SocketMode{LMTP: true}
)

// Options configures a Server. The zero value is not usable; use
// NewOptions to get sane defaults, then override individual fields.
type Options struct {
	// Hostname is used in the greeting banner and EHLO response.
	Hostname string

	// MaxMessageSize is the maximum DATA body size accepted, in octets,
	// enforced independent of any SIZE= the client declared in MAIL
	// FROM. Zero means unlimited.
	MaxMessageSize int64

	// MaxRecipients caps the number of RCPT TO commands accepted per
	// transaction. Zero means unlimited.
	MaxRecipients int

	// MaxCommandErrors caps the number of malformed/unrecognized
	// commands tolerated before the server replies 421 and closes the
	// connection (the "three strikes" guard against port scanners and
	// cross-protocol confusion, e.g. an HTTP client connecting to the
	// SMTP port).
	MaxCommandErrors int

	// CommandTimeout bounds how long the server waits for a complete
	// command line.
	CommandTimeout time.Duration

	// DataTimeout bounds how long the server waits for a complete
	// message body once DATA has started.
	DataTimeout time.Duration

	// TLSConfig supplies the certificate(s) used for STARTTLS (and for
	// sockets that are TLS-wrapped from the start). Required if any
	// listener advertises STARTTLS or uses ModeSMTPOverTLS.
	TLSConfig *tls.Config

	// RequireTLSForAuth refuses AUTH on a connection that hasn't
	// negotiated TLS (directly or via STARTTLS), per RFC 4954's
	// recommendation against sending credentials in the clear. AUTH is
	// also not advertised in EHLO while this is set and TLS is inactive.
	RequireTLSForAuth bool

	// RequireSTARTTLS refuses every command except EHLO, STARTTLS and
	// QUIT with 530 until TLS is active.
	RequireSTARTTLS bool

	// AuthRequired refuses every command except AUTH, EHLO, HELP, NOOP,
	// QUIT and STARTTLS with 530 5.7.0 until the session authenticates.
	AuthRequired bool

	// CredentialChecker validates AUTH PLAIN/LOGIN credentials. If nil,
	// AUTH is not advertised or accepted.
	CredentialChecker auth.CredentialChecker

	// ExcludeAuthMechanism names SASL mechanisms ("PLAIN", "LOGIN") to
	// hide from the EHLO AUTH advertisement and reject outright if a
	// client tries them anyway. A nil set excludes nothing.
	ExcludeAuthMechanism *set.String

	// Handler receives the optional per-verb hooks (see handler.go). A
	// nil Handler is valid: every verb just runs its default behavior.
	Handler Handler

	// ProxyProtocolTimeout, when non-zero, requires every connection to
	// begin with a PROXY protocol v1 or v2 preamble (see the proxyproto
	// package) before the SMTP greeting is sent, and bounds how long the
	// server waits for that preamble to arrive. A zero value disables
	// PROXY protocol consumption entirely.
	ProxyProtocolTimeout time.Duration

	// LMTP forces every connection accepted by this Server to speak
	// LMTP, independent of the SocketMode passed to Serve. Prefer
	// setting the SocketMode per listener if a single Server process
	// serves both SMTP and LMTP ports.
	LMTP bool

	// Ident is an optional server software string appended to the 220
	// greeting banner, after the hostname and protocol keyword.
	Ident string

	// EnableSMTPUTF8 advertises the SMTPUTF8 extension (RFC 6531) in
	// EHLO and permits non-ASCII MAIL FROM/RCPT TO arguments tagged
	// with it. Default false.
	EnableSMTPUTF8 bool

	// DecodeData, when true, populates Envelope.Decoded with the
	// message body decoded as UTF-8 text instead of leaving Handlers to
	// work from the raw Envelope.Data bytes, and suppresses the
	// 8BITMIME advertisement (a decoded-text body has no binary octets
	// left to declare 8-bit-clean). Default false.
	DecodeData bool
}

// NewOptions returns Options with reasonable defaults: no size or
// recipient limits, a one-minute command timeout, a ten-minute DATA
// timeout, and AUTH disabled (no CredentialChecker).
func NewOptions(hostname string) *Options {
	return &Options{
		Hostname:         hostname,
		MaxCommandErrors: 3,
		CommandTimeout:   1 * time.Minute,
		DataTimeout:      10 * time.Minute,
	}
}
