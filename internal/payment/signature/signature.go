// Package signature builds the canonical parameter string for the payment
// gateway and computes the digest the gateway uses to authenticate it.
//
// Outbound requests and inbound notifications both go through Canonicalize
// and Digest so the two paths cannot drift apart.
package signature

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
)

// Signature is a lowercase hex MD5 digest.
type Signature string

// String implements fmt.Stringer.
func (s Signature) String() string { return string(s) }

// Valid reports whether s has the shape of a digest: 32 lowercase hex characters.
func (s Signature) Valid() bool {
	if len(s) != md5.Size*2 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// Fields is anything that can look up a field value by wire name.
type Fields interface {
	Get(name string) string
}

// Canonicalize encodes fields as name=value pairs joined by '&', following
// order. Absent and blank values are skipped; values are trimmed and
// form-encoded (space becomes '+').
func Canonicalize(fields Fields, order []string) string {
	if fields == nil {
		return ""
	}
	var b strings.Builder
	for _, name := range order {
		value := strings.TrimSpace(fields.Get(name))
		if value == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(value))
	}
	return b.String()
}

// Digest hashes the canonical string. A non-blank secret is appended as a
// passphrase clause using the same encoding rule as Canonicalize.
func Digest(canonical string, secret string) Signature {
	payload := canonical
	if secret = strings.TrimSpace(secret); secret != "" {
		payload += "&passphrase=" + url.QueryEscape(secret)
	}
	sum := md5.Sum([]byte(payload))
	return Signature(hex.EncodeToString(sum[:]))
}

// Sign canonicalizes fs in FieldOrder and digests it.
func Sign(fs FieldSet, secret string) Signature {
	return Digest(Canonicalize(fs, FieldOrder), secret)
}

// Verify recomputes the digest for fs and compares it to received in
// constant time.
func Verify(fs FieldSet, received Signature, secret string) bool {
	expected := Sign(fs, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(string(received))))
}
