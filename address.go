package smtpd

import (
	"errors"
	"strconv"
	"strings"

	"github.com/asmtpd/smtpd/internal/normalize"
)

var (
	errMalformedAddress   = errors.New("malformed address")
	errMalformedParameter = errors.New("malformed parameter")
	errUnsupportedBody    = errors.New("unsupported BODY value")
	errInvalidSize        = errors.New("invalid SIZE value")
	errUnknownParameter   = errors.New("unrecognized parameter")
)

// Parameters holds the ESMTP keyword=value parameters attached to a MAIL
// or RCPT command (RFC 5321 section 4.1.1.11). A keyword given without a
// value (a bare "SMTPUTF8") maps to the empty string; callers distinguish
// "absent" (key not in the map) from "present with no value" (empty
// string value) by checking with the comma-ok form.
type Parameters map[string]string

// parsePathParam splits a "FROM:<addr> PARAM=VALUE ..." or
// "TO:<addr> PARAM=VALUE ..." command tail into the bracketed address and
// its trailing parameter string. verb is "FROM" or "TO": the tail must
// start with verb followed by ":" (case-insensitively); both are handled
// identically otherwise.
func parsePathParam(rest, verb string) (addr string, params string, err error) {
	prefix := verb + ":"
	if !strings.HasPrefix(strings.ToUpper(rest), prefix) {
		return "", "", errMalformedAddress
	}
	rest = rest[len(prefix):]

	// The path is the first whitespace-delimited token if it's bracketed;
	// RFC 5321 requires angle brackets here, but real-world clients
	// sometimes omit them for the null path, so we tolerate a bare token
	// too.
	rest = strings.TrimLeft(rest, " \t")

	var path string
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", "", errMalformedAddress
		}
		path = rest[1:end]
		rest = rest[end+1:]
	} else {
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			path, rest = rest, ""
		} else {
			path, rest = rest[:end], rest[end:]
		}
	}

	return path, strings.TrimLeft(rest, " \t"), nil
}

// parseAddrSpec parses a bare addr-spec, as used by VRFY and EXPN, which
// take a mailbox argument with no FROM:/TO: wrapper and optional angle
// brackets.
func parseAddrSpec(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") && len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	return s
}

// parseParameters parses an ESMTP parameter string ("SIZE=1000 BODY=8BITMIME
// SMTPUTF8") into a Parameters map. Keys are upper-cased; a malformed pair
// (a bare "=", an empty key, or a key with characters other than ASCII
// letters, digits and '-')
// fails the whole parse, since a single bad parameter makes the rest of the
// command's intent ambiguous.
func parseParameters(s string) (Parameters, error) {
	p := Parameters{}
	s = strings.TrimSpace(s)
	if s == "" {
		return p, nil
	}

	for _, tok := range strings.Fields(s) {
		key, value, hasValue := strings.Cut(tok, "=")
		if key == "" {
			return nil, errMalformedParameter
		}
		if hasValue && value == "" {
			return nil, errMalformedParameter
		}
		for _, r := range key {
			if !isAlphaNum(r) {
				return nil, errMalformedParameter
			}
		}
		key = strings.ToUpper(key)
		if _, dup := p[key]; dup {
			return nil, errMalformedParameter
		}
		p[key] = value
	}

	return p, nil
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-'
}

// validateMailParams checks the known MAIL FROM parameters (SIZE, BODY,
// SMTPUTF8) for well-formedness, returning the declared size (0 if none)
// and whether SMTPUTF8 was requested. Any parameter outside that set is
// rejected outright: MAIL FROM advertises no other extension, so an
// unrecognized keyword means the client assumed one we don't implement.
func validateMailParams(p Parameters) (size int64, smtputf8 bool, err error) {
	if v, ok := p["SIZE"]; ok {
		size, err = strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			return 0, false, errInvalidSize
		}
	}

	if v, ok := p["BODY"]; ok {
		switch strings.ToUpper(v) {
		case "7BIT", "8BITMIME":
		default:
			return 0, false, errUnsupportedBody
		}
	}

	if _, ok := p["SMTPUTF8"]; ok {
		smtputf8 = true
	}

	for key := range p {
		switch key {
		case "SIZE", "BODY", "SMTPUTF8":
		default:
			return 0, false, errUnknownParameter
		}
	}

	return size, smtputf8, nil
}

// normalizeAddress applies the server's canonical address normalization
// (PRECIS case folding) to a parsed addr-spec before it is stored in the
// envelope or handed to a Handler. The null reverse-path ("") is left
// untouched.
func normalizeAddress(addr string) (string, error) {
	if addr == "" {
		return "", nil
	}
	return normalize.Addr(addr)
}
