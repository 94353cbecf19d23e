// Package auth implements the SASL PLAIN/LOGIN mechanics used by the AUTH
// command: decoding the wire blobs into (authorization identity, login,
// password) tuples, and a timing-safe wrapper around the external
// credential-check callback.
package auth

import (
	"bytes"
	"fmt"
	"math/rand"
	"time"
)

// CredentialChecker is the external collaborator that validates a set of
// credentials for a given mechanism. It returns true iff the credentials are
// accepted.
type CredentialChecker interface {
	Authenticate(mechanism, login, password string) bool
}

// CredentialCheckerFunc adapts a plain function to a CredentialChecker.
type CredentialCheckerFunc func(mechanism, login, password string) bool

// Authenticate calls f.
func (f CredentialCheckerFunc) Authenticate(mechanism, login, password string) bool {
	return f(mechanism, login, password)
}

// DecodeResponse decodes a PLAIN auth response (already base64-decoded) of
// the form:
//
//	<authorization id> NUL <authentication id> NUL <password>
//
// https://tools.ietf.org/html/rfc4954#section-4.1.
//
// Unlike chasquid, the identity is not required to be of the form
// "user@domain" -- it is returned as opaque login bytes, matching the
// looser RFC 4616 grammar.
func DecodeResponse(raw []byte) (authzid, login, password string, err error) {
	parts := bytes.SplitN(raw, []byte{0}, 3)
	if len(parts) != 3 {
		err = fmt.Errorf("Can't split auth value")
		return
	}

	authzid = string(parts[0])
	login = string(parts[1])
	password = string(parts[2])
	return
}

// timingSafe wraps a CredentialChecker so Authenticate takes approximately
// the same amount of wall-clock time whether or not it succeeds, to make
// basic timing attacks harder. This mirrors chasquid's Authenticator, which
// applies the same jitter around its backend calls.
type timingSafe struct {
	cc       CredentialChecker
	duration time.Duration
}

// TimingSafe wraps cc so every Authenticate call takes approximately
// duration, regardless of outcome (plus 0-20% jitter).
func TimingSafe(cc CredentialChecker, duration time.Duration) CredentialChecker {
	return &timingSafe{cc: cc, duration: duration}
}

func (t *timingSafe) Authenticate(mechanism, login, password string) bool {
	defer func(start time.Time) {
		elapsed := time.Since(start)
		delay := t.duration - elapsed
		if delay > 0 {
			maxDelta := int64(float64(delay) * 0.2)
			if maxDelta > 0 {
				delay += time.Duration(rand.Int63n(maxDelta))
			}
			time.Sleep(delay)
		}
	}(time.Now())

	if t.cc == nil {
		return false
	}
	return t.cc.Authenticate(mechanism, login, password)
}
