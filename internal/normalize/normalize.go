// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/asmtpd/smtpd/internal/mailaddr"
)

// User normalizes an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Domain normalizes a domain name using a PRECIS IdentifierClass profile
// with case folding and Unicode normalization.
func Domain(domain string) (string, error) {
	norm, err := precis.NewIdentifier(
		precis.FoldCase(), precis.Norm()).String(domain)
	if err != nil {
		return domain, err
	}

	return norm, nil
}

// DomainToUnicode converts a domain to its Unicode form, decoding any
// punycode (xn--) labels. Domains that are not valid IDNA are returned
// unchanged, so callers can still compare/log them.
func DomainToUnicode(s string) (string, error) {
	u, err := idna.ToUnicode(s)
	if err != nil {
		return s, err
	}
	return u, nil
}

// Addr normalizes an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := mailaddr.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	if domain == "" {
		return user, nil
	}

	return user + "@" + domain, nil
}
