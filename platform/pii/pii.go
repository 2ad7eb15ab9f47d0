// Package pii normalizes and one-way hashes personal identifiers into the
// match keys ad platforms accept. Raw values never leave this package.
package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"conversion_dispatch_backend/platform/phone"
)

// HashedIdentifiers are lowercase hex SHA-256 digests. Empty means absent.
type HashedIdentifiers struct {
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Any reports whether at least one identifier is present.
func (h HashedIdentifiers) Any() bool {
	return h.Email != "" || h.Phone != "" || h.FirstName != "" || h.LastName != ""
}

// Raw is the plaintext input. It must not be persisted or forwarded.
type Raw struct {
	Email     string
	Phone     string
	FirstName string
	LastName  string
	Region    string
}

// Hash normalizes and hashes every present field.
func Hash(raw Raw) HashedIdentifiers {
	var out HashedIdentifiers
	if email := NormalizeEmail(raw.Email); email != "" {
		out.Email = sha256Hex(email)
	}
	if e164, ok := phone.NormalizeE164(raw.Phone, raw.Region); ok {
		out.Phone = sha256Hex(phone.DigitsOnly(e164))
	}
	if first := normalizeName(raw.FirstName); first != "" {
		out.FirstName = sha256Hex(first)
	}
	if last := normalizeName(raw.LastName); last != "" {
		out.LastName = sha256Hex(last)
	}
	return out
}

// NormalizeEmail trims and lowercases; values without a single "@" are dropped.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if strings.Count(email, "@") != 1 || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return ""
	}
	return email
}

// EmailDomain returns the part after "@" of a normalized address.
func EmailDomain(email string) string {
	email = NormalizeEmail(email)
	if email == "" {
		return ""
	}
	return email[strings.IndexByte(email, '@')+1:]
}

var freeMailDomains = map[string]struct{}{
	"gmail.com": {}, "googlemail.com": {}, "yahoo.com": {}, "ymail.com": {},
	"hotmail.com": {}, "outlook.com": {}, "live.com": {}, "msn.com": {},
	"icloud.com": {}, "me.com": {}, "aol.com": {}, "proton.me": {},
	"protonmail.com": {}, "gmx.com": {}, "gmx.de": {}, "mail.com": {},
	"yandex.com": {}, "zoho.com": {},
}

// EmailType classifies an address as "business", "personal" or "" when absent.
func EmailType(email string) string {
	domain := EmailDomain(email)
	if domain == "" {
		return ""
	}
	if _, ok := freeMailDomains[domain]; ok {
		return "personal"
	}
	return "business"
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sha256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
