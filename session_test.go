package smtpd

import "testing"

func TestSessionLineMaxFor(t *testing.T) {
	s := newSession(false)
	if got := s.lineMaxFor("MAIL"); got != defaultLineMax {
		t.Errorf("got %d, want default %d", got, defaultLineMax)
	}

	s.LineMax["MAIL"] = 600
	if got := s.lineMaxFor("MAIL"); got != 600 {
		t.Errorf("got %d, want 600", got)
	}
	if got := s.lineMaxFor("RCPT"); got != defaultLineMax {
		t.Errorf("got %d, want default %d", got, defaultLineMax)
	}
}

func TestSessionResetPreservesIdentity(t *testing.T) {
	s := newSession(false)
	s.AuthState = AuthDone
	s.AuthLogin = "user"
	s.Envelope = newEnvelope()
	s.Envelope.MailFrom = "a@b"

	s.reset()

	if s.Envelope != nil {
		t.Errorf("expected envelope to be cleared")
	}
	if s.AuthState != AuthDone || s.AuthLogin != "user" {
		t.Errorf("reset must not clear authentication state")
	}
}

func TestNewSessionLMTP(t *testing.T) {
	s := newSession(true)
	if !s.LMTP || !s.ExtendedSMTP {
		t.Errorf("LMTP sessions must start as extended")
	}
}
