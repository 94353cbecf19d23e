package smtpd

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/asmtpd/smtpd/auth"
	"github.com/asmtpd/smtpd/internal/log"
	"github.com/asmtpd/smtpd/internal/maillog"
	"github.com/asmtpd/smtpd/internal/tlsconst"
	"github.com/asmtpd/smtpd/internal/trace"
	"github.com/asmtpd/smtpd/proxyproto"
)

const unlimitedSize = int64(1) << 62

// conn drives a single accepted connection through the SMTP/LMTP command
// state machine. It owns the buffered reader/writer pair; when STARTTLS
// upgrades the transport, the same conn keeps running with its netConn
// replaced by the TLS connection and a new reader/writer pair on top of it.
type conn struct {
	netConn net.Conn
	r       *bufio.Reader
	w       *bufio.Writer

	srv     *Server
	opts    *Options
	session *Session

	tr *trace.Trace

	errCount     int
	sawFirstLine bool
}

func newConn(srv *Server, nc net.Conn, mode SocketMode) *conn {
	s := newSession(mode.LMTP || srv.opts.LMTP)
	s.RemoteAddr = nc.RemoteAddr()
	s.LocalAddr = nc.LocalAddr()
	if mode.TLS {
		if tc, ok := nc.(*tls.Conn); ok {
			st := tc.ConnectionState()
			s.TLS = &st
		}
	}
	return &conn{
		netConn: nc,
		r:       bufio.NewReader(nc),
		w:       bufio.NewWriter(nc),
		srv:     srv,
		opts:    srv.opts,
		session: s,
	}
}

// Handle runs the connection to completion: PROXY preamble (if enabled),
// greeting, and the command loop. It returns once the connection is
// closed, by either side.
func (c *conn) Handle() {
	defer c.netConn.Close()

	mode := "smtp"
	if c.session.LMTP {
		mode = "lmtp"
	}
	c.tr = trace.New("SMTP.Conn", c.netConn.RemoteAddr().String())
	defer c.tr.Finish()
	c.tr.Debugf("connected, mode: %s", mode)

	if c.opts.ProxyProtocolTimeout > 0 {
		if !c.handleProxyPreamble() {
			c.tr.Errorf("proxy protocol handshake failed")
			return
		}
	}

	tlsState := "plain"
	if c.session.TLS != nil {
		tlsState = "wrapped"
	}
	tlsCount.WithLabelValues(tlsState).Inc()

	greeting := "ESMTP"
	if c.session.LMTP {
		greeting = "LMTP"
	}
	if c.opts.Ident != "" {
		c.respond(reply(220, "%s %s %s", c.opts.Hostname, greeting, c.opts.Ident))
	} else {
		c.respond(reply(220, "%s %s Service ready", c.opts.Hostname, greeting))
	}

	for {
		c.setCommandDeadline()

		verb := peekVerb(c.r)
		max := c.session.lineMaxFor(verb)

		line, err := readCommandLine(c.r, max)
		if err == errLineTooLong {
			if c.strike(reply(500, "Error: line too long")) {
				return
			}
			continue
		} else if err != nil {
			if err != io.EOF {
				c.tr.Errorf("reading command: %v", err)
			} else {
				c.tr.Debugf("client closed the connection")
			}
			return
		}

		if !c.dispatch(line) {
			return
		}
	}
}

func (c *conn) handleProxyPreamble() bool {
	c.netConn.SetDeadline(time.Now().Add(c.opts.ProxyProtocolTimeout))
	res, err := proxyproto.Handshake(c.r)
	if err != nil {
		proxyResultCount.WithLabelValues("unknown", "error").Inc()
		return false
	}
	proxyResultCount.WithLabelValues(strconv.Itoa(res.Version), "ok").Inc()

	if !res.Unknown && res.Src != nil {
		c.session.RemoteAddr = res.Src
	}
	c.session.PeerSignature = res.String()

	if r, ok := callPROXY(c.opts.Handler, c.session); ok {
		c.respond(r)
		return r.Code < 400
	}
	return true
}

// dispatch runs a single command, recovering from panics the same way the
// server protects itself against a single malformed message taking down a
// connection handler. It returns false when the connection should close.
func (c *conn) dispatch(line string) (keepGoing bool) {
	verb, rest := splitVerb(line)

	if verb == "AUTH" {
		// The rest of an AUTH line (and its continuation lines, read
		// separately) can carry credentials; never put them in the trace.
		c.tr.Debugf("-> AUTH <redacted>")
	} else {
		c.tr.Debugf("-> %s", line)
	}

	if !c.sawFirstLine {
		c.sawFirstLine = true
		// Guard against cross-protocol confusion attacks (e.g. a browser
		// tricked into sending an HTTP request to the SMTP port): none of
		// these are valid first SMTP/LMTP commands, so bail immediately
		// instead of letting the three-strikes counter run.
		switch verb {
		case "GET", "POST", "CONNECT":
			c.respond(reply(502, "Command not implemented"))
			return false
		}
	}

	defer func() {
		if r := recover(); r != nil {
			if rep, ok := callException(c.opts.Handler, c.session, verb, r); ok {
				c.respond(rep)
				keepGoing = rep.Code < 400
				return
			}
			c.respond(reply(500, "Error: (%T) %v", r, r))
			keepGoing = true
		}
	}()

	if verb == "" {
		return !c.strike(reply(500, "Syntax error, command unrecognized"))
	}

	if c.session.SecurityFailed && verb != "QUIT" {
		c.respond(reply(554, "Command refused due to lack of security"))
		return true
	}
	if c.opts.RequireSTARTTLS && c.session.TLS == nil &&
		verb != "EHLO" && verb != "LHLO" && verb != "STARTTLS" && verb != "QUIT" {
		c.respond(reply(530, "Must issue a STARTTLS command first"))
		return true
	}
	if c.opts.AuthRequired && c.session.AuthState != AuthDone &&
		verb != "AUTH" && verb != "EHLO" && verb != "LHLO" && verb != "HELP" &&
		verb != "NOOP" && verb != "QUIT" && verb != "STARTTLS" {
		c.respond(reply(530, "5.7.0 Authentication required"))
		return true
	}

	commandCount.WithLabelValues(verb).Inc()

	switch verb {
	case "HELO", "EHLO":
		if c.session.LMTP {
			return !c.strike(reply(500, "Error: command %q not recognized", verb))
		}
		if verb == "HELO" {
			return c.cmdHELO(rest)
		}
		return c.cmdEHLO(rest)
	case "LHLO":
		if !c.session.LMTP {
			return !c.strike(reply(500, `Error: command "LHLO" not recognized`))
		}
		return c.cmdEHLO(rest)
	case "MAIL":
		return c.cmdMAIL(rest)
	case "RCPT":
		return c.cmdRCPT(rest)
	case "DATA":
		return c.cmdDATA(rest)
	case "RSET":
		c.session.reset()
		c.respond(ok())
		return true
	case "NOOP":
		c.respond(ok())
		return true
	case "QUIT":
		if strings.TrimSpace(rest) != "" {
			c.respond(reply(501, "Syntax: QUIT"))
			return true
		}
		c.respond(reply(221, "Bye"))
		return false
	case "HELP":
		c.respond(reply(250, "HELP"))
		return true
	case "VRFY":
		if strings.TrimSpace(rest) == "" {
			c.respond(reply(501, "Syntax: VRFY address"))
			return true
		}
		c.respond(reply(252, "Cannot VRFY user, but will accept message and attempt delivery"))
		return true
	case "EXPN":
		c.respond(reply(502, "EXPN not implemented"))
		return true
	case "STARTTLS":
		return c.cmdSTARTTLS()
	case "AUTH":
		return c.cmdAUTH(rest)
	default:
		return !c.strike(reply(500, "Syntax error, command unrecognized"))
	}
}

func (c *conn) cmdHELO(rest string) bool {
	hostname := strings.TrimSpace(rest)
	if hostname == "" {
		c.respond(reply(501, "Syntax: HELO hostname"))
		return true
	}

	c.session.Hostname = hostname
	c.session.ExtendedSMTP = false
	c.session.reset()

	if r, ok := callHELO(c.opts.Handler, c.session, hostname); ok {
		c.respond(r)
		return true
	}
	c.respond(reply(250, "%s", c.opts.Hostname))
	return true
}

func (c *conn) cmdEHLO(rest string) bool {
	hostname := strings.TrimSpace(rest)
	if hostname == "" {
		c.respond(reply(501, "Syntax: EHLO hostname"))
		return true
	}

	c.session.Hostname = hostname
	c.session.ExtendedSMTP = true
	c.session.reset()

	lines := []string{c.opts.Hostname}
	if c.opts.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", c.opts.MaxMessageSize))
	} else {
		lines = append(lines, "SIZE")
	}
	if !c.opts.DecodeData {
		lines = append(lines, "8BITMIME")
	}
	if c.opts.EnableSMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	if c.session.TLS == nil && c.opts.TLSConfig != nil && !c.session.LMTP {
		lines = append(lines, "STARTTLS")
	}
	if c.opts.CredentialChecker != nil && (!c.opts.RequireTLSForAuth || c.session.TLS != nil) {
		mechs := make([]string, 0, 2)
		for _, m := range []string{"PLAIN", "LOGIN"} {
			if !c.opts.ExcludeAuthMechanism.Has(m) {
				mechs = append(mechs, m)
			}
		}
		if len(mechs) > 0 {
			lines = append(lines, "AUTH "+strings.Join(mechs, " "))
		}
	}

	// Widen the MAIL/RCPT command line limits to accommodate the SIZE=
	// and SMTPUTF8 parameters we just advertised.
	c.session.LineMax["MAIL"] = defaultLineMax + 26 + 10
	c.session.LineMax["RCPT"] = defaultLineMax + 10

	if r, ok := callEHLO(c.opts.Handler, c.session, hostname); ok {
		lines = append(lines, r.Lines...)
		lines = append(lines, "HELP")
		c.respond(Reply{Code: 250, Lines: lines})
		return true
	}

	lines = append(lines, "HELP")
	c.respond(Reply{Code: 250, Lines: lines})
	return true
}

func (c *conn) cmdMAIL(rest string) bool {
	if c.session.Hostname == "" {
		c.respond(reply(503, "Error: send HELO first"))
		return true
	}
	if c.session.Envelope != nil {
		c.respond(reply(503, "Error: nested MAIL command"))
		return true
	}
	addr, paramStr, err := parsePathParam(rest, "FROM")
	if err != nil {
		c.respond(reply(501, "Syntax: MAIL FROM:<address> [SP <parameters>]"))
		return true
	}

	params, err := parseParameters(paramStr)
	if err != nil {
		c.respond(reply(555, "MAIL FROM parameters not recognized or not implemented"))
		return true
	}

	size, smtputf8, err := validateMailParams(params)
	if err != nil {
		c.respond(reply(555, "MAIL FROM parameters not recognized or not implemented"))
		return true
	}
	if c.opts.MaxMessageSize > 0 && size > c.opts.MaxMessageSize {
		c.respond(reply(552, "Error: message size exceeds fixed maximum message size"))
		return true
	}

	norm, err := normalizeAddress(addr)
	if err != nil {
		c.respond(reply(501, "Syntax: MAIL FROM:<address> [SP <parameters>]"))
		return true
	}

	env := newEnvelope()
	env.MailFrom = norm
	env.MailOptions = params
	env.SMTPUTF8 = smtputf8
	env.DeclaredSize = size
	c.session.Envelope = env

	if r, ok := callMAIL(c.opts.Handler, c.session, norm, params); ok {
		if r.Code >= 400 {
			c.session.Envelope = nil
		}
		c.respond(r)
		return true
	}
	c.respond(ok())
	return true
}

func (c *conn) cmdRCPT(rest string) bool {
	if c.session.Hostname == "" {
		c.respond(reply(503, "Error: send HELO first"))
		return true
	}
	if c.session.Envelope == nil {
		c.respond(reply(503, "Error: need MAIL command"))
		return true
	}
	if c.opts.MaxRecipients > 0 && len(c.session.Envelope.RcptTos) >= c.opts.MaxRecipients {
		c.respond(reply(452, "Too many recipients"))
		return true
	}

	addr, paramStr, err := parsePathParam(rest, "TO")
	if err != nil {
		c.respond(reply(501, "Syntax: RCPT TO:<address> [SP <parameters>]"))
		return true
	}
	params, err := parseParameters(paramStr)
	if err != nil || len(params) > 0 {
		// RCPT TO recognizes no parameters at all, so any key here is
		// unrecognized -- independent of whether parsing itself failed.
		c.respond(reply(555, "RCPT TO parameters not recognized or not implemented"))
		return true
	}

	norm, err := normalizeAddress(addr)
	if err != nil {
		c.respond(reply(501, "Syntax: RCPT TO:<address> [SP <parameters>]"))
		return true
	}

	rcptOpts := RcptOptions(params)
	if r, ok := callRCPT(c.opts.Handler, c.session, norm, rcptOpts); ok {
		c.respond(r)
		if r.Code < 400 {
			c.session.Envelope.AddRcpt(norm, rcptOpts)
		} else {
			maillog.Rejected(c.session.RemoteAddr, c.session.Envelope.MailFrom, []string{norm}, r.Lines[0])
		}
		return true
	}

	c.session.Envelope.AddRcpt(norm, rcptOpts)
	c.respond(ok())
	return true
}

func (c *conn) cmdDATA(rest string) bool {
	if c.session.Hostname == "" {
		c.respond(reply(503, "Error: send HELO first"))
		return true
	}
	if c.session.Envelope == nil {
		c.respond(reply(503, "Error: need MAIL command"))
		return true
	}
	if len(c.session.Envelope.RcptTos) == 0 {
		c.respond(reply(503, "Error: need RCPT command"))
		return true
	}

	c.respond(reply(354, "End data with <CR><LF>.<CR><LF>"))

	max := c.opts.MaxMessageSize
	if max <= 0 {
		max = unlimitedSize
	}

	c.netConn.SetDeadline(time.Now().Add(c.opts.DataTimeout))
	body, n, err := readDataBody(c.r, max)
	if err == errMessageTooLarge {
		env := c.session.Envelope
		maillog.Rejected(c.session.RemoteAddr, env.MailFrom, env.RcptTos,
			fmt.Sprintf("too much mail data: %d bytes over a %d byte limit", n-max, max))
		c.session.reset()
		c.respond(reply(552, "Error: Too much mail data"))
		return true
	} else if err != nil {
		return false
	}

	env := c.session.Envelope
	env.Data = body
	if c.opts.DecodeData {
		env.Decoded = string(body)
	}

	if c.session.LMTP {
		for _, rcpt := range env.RcptTos {
			perRcpt := *env
			perRcpt.RcptTos = []string{rcpt}
			if r, ok := callDATA(c.opts.Handler, c.session, &perRcpt); ok {
				c.respond(r)
			} else {
				c.respond(reply(250, "2.1.5 <%s> delivered", rcpt))
			}
		}
		maillog.Accepted(c.session.RemoteAddr, env.MailFrom, env.RcptTos, "")
	} else if r, ok := callDATA(c.opts.Handler, c.session, env); ok {
		c.respond(r)
		if r.Code < 400 {
			maillog.Accepted(c.session.RemoteAddr, env.MailFrom, env.RcptTos, "")
		}
	} else {
		c.respond(reply(250, "2.0.0 OK: queued"))
		maillog.Accepted(c.session.RemoteAddr, env.MailFrom, env.RcptTos, "")
	}

	c.session.reset()
	return true
}

func (c *conn) cmdSTARTTLS() bool {
	if c.session.TLS != nil {
		c.respond(reply(503, "Error: TLS already active"))
		return true
	}
	if c.opts.TLSConfig == nil {
		c.respond(reply(454, "TLS not available"))
		return true
	}

	c.respond(reply(220, "Ready to start TLS"))

	tlsConn := tls.Server(c.netConn, c.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		c.tr.Errorf("error completing TLS handshake: %v", err)
		return false
	}

	c.netConn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)

	st := tlsConn.ConnectionState()
	c.session.TLS = &st
	log.Infof("%s starttls: %s %s", c.session.RemoteAddr,
		tlsconst.VersionName(st.Version), tlsconst.CipherSuiteName(st.CipherSuite))
	c.tr.Debugf("starttls: %s %s", tlsconst.VersionName(st.Version),
		tlsconst.CipherSuiteName(st.CipherSuite))
	// RFC 3207: discard any prior transaction state and re-require HELO.
	c.session.Hostname = ""
	c.session.ExtendedSMTP = false
	c.session.reset()

	if !callSTARTTLS(c.opts.Handler, c.session) {
		c.session.SecurityFailed = true
	}
	return true
}

func (c *conn) cmdAUTH(rest string) bool {
	if c.opts.CredentialChecker == nil {
		c.respond(reply(504, "5.5.4 Unrecognized authentication type"))
		return true
	}
	if c.opts.RequireTLSForAuth && c.session.TLS == nil {
		c.respond(reply(538, "5.7.11 Encryption required for requested authentication mechanism"))
		return true
	}
	if c.session.AuthState == AuthDone {
		c.respond(reply(503, "Already authenticated"))
		return true
	}

	mechanism, initial, _ := strings.Cut(strings.TrimSpace(rest), " ")
	mechanism = strings.ToUpper(mechanism)

	if c.opts.ExcludeAuthMechanism.Has(mechanism) {
		c.respond(reply(504, "5.5.4 Unrecognized authentication type"))
		return true
	}

	var login, password string
	switch mechanism {
	case "PLAIN":
		raw := initial
		if raw == "" {
			c.respond(reply(334, ""))
			line, err := c.readSASLLine()
			if err == errAuthAborted {
				c.respond(reply(501, "Auth aborted"))
				return true
			} else if err != nil {
				return false
			}
			raw = line
		}

		var decoded []byte
		if raw == "=" {
			// RFC 4954: a literal "=" initial-response denotes a
			// zero-length response, distinct from omitting it (which
			// would have triggered the 334 prompt above).
			decoded = []byte{}
		} else {
			var err error
			decoded, err = base64.StdEncoding.DecodeString(raw)
			if err != nil {
				c.respond(reply(501, "5.5.2 Can't decode base64"))
				return true
			}
		}
		var err error
		_, login, password, err = auth.DecodeResponse(decoded)
		if err != nil {
			c.respond(reply(501, "5.5.2 Can't split auth value"))
			return true
		}
	case "LOGIN":
		var err error
		login, err = c.promptAuthField("Username:")
		switch err {
		case nil:
		case errAuthAborted:
			c.respond(reply(501, "Auth aborted"))
			return true
		case errAuthDecodeFailed:
			c.respond(reply(501, "5.5.2 Can't decode base64"))
			return true
		default:
			return false
		}

		password, err = c.promptAuthField("Password:")
		switch err {
		case nil:
		case errAuthAborted:
			c.respond(reply(501, "Auth aborted"))
			return true
		case errAuthDecodeFailed:
			c.respond(reply(501, "5.5.2 Can't decode base64"))
			return true
		default:
			return false
		}
	default:
		c.respond(reply(504, "5.5.4 Unrecognized authentication type"))
		return true
	}

	success := c.opts.CredentialChecker.Authenticate(mechanism, login, password)
	maillog.Auth(c.session.RemoteAddr, login, success)

	result := "failure"
	if success {
		result = "success"
	}
	authResultCount.WithLabelValues(mechanism, result).Inc()

	if r, ok := callAUTH(c.opts.Handler, c.session, mechanism, login, success); ok {
		c.respond(r)
		if r.Code < 300 {
			c.session.AuthState = AuthDone
			c.session.AuthMechanism = mechanism
			c.session.AuthLogin = login
		}
		return true
	}

	if !success {
		c.respond(reply(535, "5.7.8 Authentication credentials invalid"))
		return true
	}

	c.session.AuthState = AuthDone
	c.session.AuthMechanism = mechanism
	c.session.AuthLogin = login
	c.respond(reply(235, "2.7.0 Authentication successful"))
	return true
}

// errAuthAborted is returned by readSASLLine when the client sends a
// bare "*", aborting the exchange per RFC 4954 section 4.
var errAuthAborted = fmt.Errorf("AUTH exchange aborted by client")

// errAuthDecodeFailed is returned by promptAuthField when the client's
// continuation line isn't valid base64.
var errAuthDecodeFailed = fmt.Errorf("AUTH response is not valid base64")

// readSASLLine reads one continuation line during a SASL exchange,
// recognizing the bare "*" abort convention. Any other error is a
// transport-level failure the caller should treat as connection loss.
func (c *conn) readSASLLine() (string, error) {
	line, err := readCommandLine(c.r, defaultLineMax)
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "*" {
		return "", errAuthAborted
	}
	return line, nil
}

// promptAuthField sends a base64-encoded 334 prompt and reads back a
// decoded field, for AUTH LOGIN's two-step Username:/Password:
// exchange. A bare "=" signals a null/empty value, RFC 4954's
// convention for an omitted identity.
func (c *conn) promptAuthField(prompt string) (string, error) {
	c.respond(reply(334, base64.StdEncoding.EncodeToString([]byte(prompt))))
	line, err := c.readSASLLine()
	if err != nil {
		return "", err
	}
	if line == "=" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return "", errAuthDecodeFailed
	}
	return string(decoded), nil
}

func (c *conn) respond(r Reply) {
	responseCodeCount.WithLabelValues(strconv.Itoa(r.Code)).Inc()
	if r.Code >= 400 {
		c.tr.Errorf("<- %d %s", r.Code, strings.Join(r.Lines, " "))
	} else {
		c.tr.Debugf("<- %d %s", r.Code, strings.Join(r.Lines, " "))
	}
	r.writeTo(c.w)
}

// strike records a protocol error; once opts.MaxCommandErrors is reached
// it sends 421 and signals the connection should close. It returns true
// when the caller should close the connection.
func (c *conn) strike(r Reply) bool {
	c.respond(r)
	c.errCount++
	if c.opts.MaxCommandErrors > 0 && c.errCount >= c.opts.MaxCommandErrors {
		c.respond(reply(421, "Too many errors, closing connection"))
		return true
	}
	return false
}

func (c *conn) setCommandDeadline() {
	if c.opts.CommandTimeout > 0 {
		c.netConn.SetDeadline(time.Now().Add(c.opts.CommandTimeout))
	}
}

// splitVerb splits a command line into its upper-cased verb and the
// (untouched) remainder.
func splitVerb(line string) (verb, rest string) {
	verb, rest, _ = strings.Cut(line, " ")
	return strings.ToUpper(strings.TrimSpace(verb)), rest
}

// peekVerb looks ahead at the start of the next buffered line to decide
// which per-verb command-line size limit applies, without consuming any
// bytes. It waits only for the first byte of the line, then looks at no
// more than the first 16 bytes already buffered.
func peekVerb(r *bufio.Reader) string {
	r.Peek(1)
	n := r.Buffered()
	if n > 16 {
		n = 16
	}
	data, _ := r.Peek(n)
	end := 0
	for end < len(data) && isAlphaNum(rune(data[end])) {
		end++
	}
	return strings.ToUpper(string(data[:end]))
}
