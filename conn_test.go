package smtpd

import (
	"crypto/tls"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/asmtpd/smtpd/auth"
	"github.com/asmtpd/smtpd/internal/set"
	"github.com/asmtpd/smtpd/internal/testlib"
)

// dial starts a Server on opts over a loopback listener and returns a
// textproto.Conn (SMTP replies are line-based enough for textproto's
// ReadResponse to work directly) connected to it, plus a cleanup func.
func dial(t *testing.T, opts *Options) *textproto.Conn {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(opts)
	srv.AddListener(l, ModeSMTP)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	nc, err := net.DialTimeout("tcp", l.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })

	return textproto.NewConn(nc)
}

func expectCode(t *testing.T, tc *textproto.Conn, want int) string {
	t.Helper()
	_, msg, err := tc.ReadResponse(want)
	if err != nil {
		t.Fatalf("expected %d: %v", want, err)
	}
	return msg
}

func TestPlainHELOAndQUIT(t *testing.T) {
	opts := NewOptions("mx.example.org")
	tc := dial(t, opts)

	expectCode(t, tc, 220)

	tc.Cmd("HELO client.example.com")
	expectCode(t, tc, 250)

	tc.Cmd("QUIT")
	expectCode(t, tc, 221)
}

func TestEHLOAdvertisement(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.MaxMessageSize = 1000
	opts.EnableSMTPUTF8 = true
	tc := dial(t, opts)

	expectCode(t, tc, 220)

	tc.Cmd("EHLO client.example.com")
	msg := expectCode(t, tc, 250)
	if !strings.Contains(msg, "8BITMIME") || !strings.Contains(msg, "SMTPUTF8") || !strings.Contains(msg, "SIZE 1000") {
		t.Errorf("unexpected EHLO response: %q", msg)
	}
}

type rejectRCPT struct{}

func (rejectRCPT) HandleRCPT(s *Session, to string, opts RcptOptions) (Reply, bool) {
	return reply(550, "5.1.1 No such user"), true
}

func TestRCPTRejectionViaHandler(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.Handler = rejectRCPT{}
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("HELO client.example.com")
	expectCode(t, tc, 250)
	tc.Cmd("MAIL FROM:<a@b>")
	expectCode(t, tc, 250)
	tc.Cmd("RCPT TO:<nobody@b>")
	expectCode(t, tc, 550)
}

func TestMAILRejectedOverSizeLimit(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.MaxMessageSize = 100
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("HELO client.example.com")
	expectCode(t, tc, 250)
	tc.Cmd("MAIL FROM:<a@b> SIZE=1000000")
	expectCode(t, tc, 552)
}

func TestAUTHPlainSuccess(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.CredentialChecker = auth.CredentialCheckerFunc(
		func(mechanism, login, password string) bool {
			return login == "user" && password == "secret"
		})
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("EHLO client.example.com")
	expectCode(t, tc, 250)

	tc.Cmd("AUTH PLAIN AHVzZXIAc2VjcmV0") // \0user\0secret
	expectCode(t, tc, 235)
}

func TestAUTHPlainFailure(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.CredentialChecker = auth.CredentialCheckerFunc(
		func(mechanism, login, password string) bool { return false })
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("EHLO client.example.com")
	expectCode(t, tc, 250)

	tc.Cmd("AUTH PLAIN AHVzZXIAc2VjcmV0")
	expectCode(t, tc, 535)
}

func TestDataFlowAcceptsMessage(t *testing.T) {
	opts := NewOptions("mx.example.org")
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("HELO client.example.com")
	expectCode(t, tc, 250)
	tc.Cmd("MAIL FROM:<a@b>")
	expectCode(t, tc, 250)
	tc.Cmd("RCPT TO:<c@d>")
	expectCode(t, tc, 250)
	tc.Cmd("DATA")
	expectCode(t, tc, 354)

	w := tc.DotWriter()
	w.Write([]byte("Subject: test\r\n\r\nhello\r\n"))
	w.Close()

	expectCode(t, tc, 250)
}

func TestSequenceErrorsWithoutHELO(t *testing.T) {
	opts := NewOptions("mx.example.org")
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("MAIL FROM:<a@b>")
	expectCode(t, tc, 503)
}

func TestAUTHMechanismExcluded(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.CredentialChecker = auth.CredentialCheckerFunc(
		func(mechanism, login, password string) bool { return true })
	opts.ExcludeAuthMechanism = set.NewString("LOGIN")
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("EHLO client.example.com")
	msg := expectCode(t, tc, 250)
	if strings.Contains(msg, "LOGIN") {
		t.Errorf("EHLO advertised excluded mechanism LOGIN: %q", msg)
	}
	if !strings.Contains(msg, "AUTH PLAIN") {
		t.Errorf("EHLO did not advertise PLAIN: %q", msg)
	}

	tc.Cmd("AUTH LOGIN")
	expectCode(t, tc, 504)
}

func TestCrossProtocolFirstCommandRejected(t *testing.T) {
	opts := NewOptions("mx.example.org")
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("GET / HTTP/1.1")
	expectCode(t, tc, 502)
}

func TestAUTHPlainAborted(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.CredentialChecker = auth.CredentialCheckerFunc(
		func(mechanism, login, password string) bool { return true })
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("EHLO client.example.com")
	expectCode(t, tc, 250)

	tc.Cmd("AUTH PLAIN")
	expectCode(t, tc, 334)
	tc.Cmd("*")
	expectCode(t, tc, 501)

	// The connection survives the abort; a fresh AUTH attempt works.
	tc.Cmd("AUTH PLAIN AHVzZXIAc2VjcmV0")
	expectCode(t, tc, 235)
}

func TestAUTHLoginNullIdentity(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.CredentialChecker = auth.CredentialCheckerFunc(
		func(mechanism, login, password string) bool {
			return login == "" && password == "secret"
		})
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("EHLO client.example.com")
	expectCode(t, tc, 250)

	tc.Cmd("AUTH LOGIN")
	expectCode(t, tc, 334)
	tc.Cmd("=")
	expectCode(t, tc, 334)
	tc.Cmd("c2VjcmV0") // "secret"
	expectCode(t, tc, 235)
}

func TestRequireSTARTTLSGatesCommands(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.RequireSTARTTLS = true
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("MAIL FROM:<a@b>")
	expectCode(t, tc, 530)

	// EHLO is still allowed before TLS, per the exemption list.
	tc.Cmd("EHLO client.example.com")
	expectCode(t, tc, 250)
}

func TestAuthRequiredGatesCommands(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.AuthRequired = true
	opts.CredentialChecker = auth.CredentialCheckerFunc(
		func(mechanism, login, password string) bool { return true })
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("EHLO client.example.com")
	expectCode(t, tc, 250)
	tc.Cmd("MAIL FROM:<a@b>")
	expectCode(t, tc, 530)

	tc.Cmd("AUTH PLAIN AHVzZXIAc2VjcmV0")
	expectCode(t, tc, 235)
	tc.Cmd("MAIL FROM:<a@b>")
	expectCode(t, tc, 250)
}

type rejectSTARTTLS struct{}

func (rejectSTARTTLS) HandleSTARTTLS(s *Session) bool { return false }

func TestSTARTTLSHandlerRejectionLocksSession(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	clientTLSConfig, err := testlib.GenerateCert(dir)
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	serverCert, err := tls.LoadX509KeyPair(dir+"/cert.pem", dir+"/key.pem")
	if err != nil {
		t.Fatalf("LoadX509KeyPair: %v", err)
	}

	opts := NewOptions("mx.example.org")
	opts.Handler = rejectSTARTTLS{}
	opts.TLSConfig = &tls.Config{Certificates: []tls.Certificate{serverCert}}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(opts)
	srv.AddListener(l, ModeSMTP)
	go srv.ListenAndServe()

	nc, err := net.DialTimeout("tcp", l.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	tc := textproto.NewConn(nc)

	expectCode(t, tc, 220)
	tc.Cmd("EHLO client.example.com")
	expectCode(t, tc, 250)
	tc.Cmd("STARTTLS")
	expectCode(t, tc, 220)

	tlsConn := tls.Client(nc, clientTLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	tc2 := textproto.NewConn(tlsConn)
	tc2.Cmd("EHLO client.example.com")
	expectCode(t, tc2, 554)
	tc2.Cmd("QUIT")
	expectCode(t, tc2, 221)
}

func TestVRFYRequiresArgument(t *testing.T) {
	opts := NewOptions("mx.example.org")
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("VRFY")
	expectCode(t, tc, 501)
	tc.Cmd("VRFY postmaster")
	expectCode(t, tc, 252)
}

func TestLMTPRejectsHELOAndEHLO(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts := NewOptions("mx.example.org")
	opts.LMTP = true
	srv := NewServer(opts)
	srv.AddListener(l, ModeLMTP)
	go srv.ListenAndServe()

	nc, err := net.DialTimeout("tcp", l.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	tc := textproto.NewConn(nc)

	expectCode(t, tc, 220)
	tc.Cmd("HELO client.example.com")
	expectCode(t, tc, 500)
	tc.Cmd("LHLO client.example.com")
	expectCode(t, tc, 250)
}

func TestIdentAppendedToBanner(t *testing.T) {
	opts := NewOptions("mx.example.org")
	opts.Ident = "asmtpd"
	tc := dial(t, opts)

	msg := expectCode(t, tc, 220)
	if !strings.Contains(msg, "asmtpd") {
		t.Errorf("expected banner to contain ident, got %q", msg)
	}
}

func TestDecodeDataSuppresses8BITMIMEAndPopulatesDecoded(t *testing.T) {
	h := &capturingDATAHandler{}
	opts := NewOptions("mx.example.org")
	opts.DecodeData = true
	opts.Handler = h
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("EHLO client.example.com")
	msg := expectCode(t, tc, 250)
	if strings.Contains(msg, "8BITMIME") {
		t.Errorf("expected 8BITMIME to be suppressed under DecodeData, got %q", msg)
	}

	tc.Cmd("MAIL FROM:<a@b>")
	expectCode(t, tc, 250)
	tc.Cmd("RCPT TO:<c@d>")
	expectCode(t, tc, 250)
	tc.Cmd("DATA")
	expectCode(t, tc, 354)

	w := tc.DotWriter()
	w.Write([]byte("hello\r\n"))
	w.Close()
	expectCode(t, tc, 250)

	if h.decoded != "hello\n" {
		t.Errorf("got decoded body %q", h.decoded)
	}
}

type capturingDATAHandler struct {
	decoded string
}

func (h *capturingDATAHandler) HandleDATA(s *Session, env *Envelope) (Reply, bool) {
	h.decoded = env.Decoded
	return Reply{}, false
}

func TestEHLOAdvertisementEndsWithHELP(t *testing.T) {
	opts := NewOptions("mx.example.org")
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("EHLO client.example.com")
	msg := expectCode(t, tc, 250)
	lines := strings.Split(strings.TrimRight(msg, "\r\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last != "HELP" {
		t.Errorf("expected EHLO response to end with HELP, last line was %q in %q", last, msg)
	}
}

func TestMAILRejectsUnknownParameter(t *testing.T) {
	opts := NewOptions("mx.example.org")
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("HELO client.example.com")
	expectCode(t, tc, 250)
	tc.Cmd("MAIL FROM:<a@b> FOO=bar")
	expectCode(t, tc, 555)
}

func TestRCPTRejectsAnyParameter(t *testing.T) {
	opts := NewOptions("mx.example.org")
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("HELO client.example.com")
	expectCode(t, tc, 250)
	tc.Cmd("MAIL FROM:<a@b>")
	expectCode(t, tc, 250)
	tc.Cmd("RCPT TO:<c@d> NOTIFY=SUCCESS")
	expectCode(t, tc, 555)
}

func TestNestedMAILRejected(t *testing.T) {
	opts := NewOptions("mx.example.org")
	tc := dial(t, opts)

	expectCode(t, tc, 220)
	tc.Cmd("HELO client.example.com")
	expectCode(t, tc, 250)
	tc.Cmd("MAIL FROM:<a@b>")
	expectCode(t, tc, 250)
	tc.Cmd("MAIL FROM:<c@d>")
	expectCode(t, tc, 503)
}
