package smtpd

import (
	"bufio"
	"errors"
)

// errLineTooLong is returned by readCommandLine when the peer sends more
// than max octets before a line terminator, per RFC 5321 section 4.5.3.1.4.
var errLineTooLong = errors.New("line too long")

// defaultLineMax is the default command line size limit (RFC 5321 section
// 4.5.3.1.4). Individual commands raise it: EHLO's advertised SIZE and
// SMTPUTF8 extensions widen what a MAIL command line may legally contain,
// so the caller bumps the limit accordingly before reading MAIL/RCPT lines.
const defaultLineMax = 512

// readCommandLine implements read-command-line(max): it reads a single
// line terminated by CRLF (or a bare LF), stripping the terminator, and
// enforces that the line (excluding the terminator) does not exceed max
// octets.
//
// Embedded NUL bytes are permitted in the returned line; some AUTH
// continuations carry base64 data that, once decoded elsewhere, may contain
// arbitrary bytes, but the wire line itself is still plain ASCII/base64 text
// and NULs here just pass through uninterpreted.
//
// If the line is too long, the reader keeps consuming bytes (discarding
// them) until the real line terminator is found, so that the overflow
// isn't later misinterpreted as the start of a new command.
func readCommandLine(r *bufio.Reader, max int) (string, error) {
	var line []byte
	tooLong := false

	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}

		if !tooLong {
			if len(line)+len(chunk) > max {
				tooLong = true
			} else {
				line = append(line, chunk...)
			}
		}

		if !isPrefix {
			break
		}
		// bufio.Reader.ReadLine splits arbitrarily long lines across
		// multiple calls; keep reading until we see the real end.
		tooLong = tooLong || len(line) >= max
	}

	if tooLong {
		return "", errLineTooLong
	}

	return string(line), nil
}
