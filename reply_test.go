package smtpd

import (
	"bufio"
	"bytes"
	"testing"
)

func TestReplyWriteToSingleLine(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := reply(250, "OK").writeTo(w); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.String() != "250 OK\r\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestReplyWriteToMultiLine(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	r := Reply{Code: 250, Lines: []string{"mx.example.org", "SIZE 1000", "8BITMIME"}}
	if err := r.writeTo(w); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "250-mx.example.org\r\n250-SIZE 1000\r\n250 8BITMIME\r\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}
