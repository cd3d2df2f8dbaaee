// Package canon provides canonical JSON encoding and stable hashing for
// prompts and tool-argument bundles.
//
// Every component that needs a stable identity for an arbitrary value
// (execution tokens binding to args, proposal/commit hashes, prompt drift
// detection) goes through this package so the hash is computed the same
// way everywhere.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

var whitespaceRE = regexp.MustCompile(`\s+`)

// JCS returns RFC 8785 canonical JSON for v: sorted object keys, compact
// separators, no HTML-escaping. v is first marshaled with encoding/json,
// then transformed into canonical form by gowebpki/jcs.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// NormalizeText trims, lowercases, and collapses runs of whitespace to a
// single space. Unicode input is NFC-composed first so canonically
// equivalent sequences (e.g. a precomposed "é" vs "e" + combining acute)
// hash identically.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	return whitespaceRE.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ArgsHash returns the stable hash of a JSON-serializable argument bundle:
// sha256_hex(normalize(canonical_json(args))). A permutation of map keys
// never changes the result.
func ArgsHash(args any) (string, error) {
	raw, err := JCS(args)
	if err != nil {
		return "", err
	}
	return SHA256Hex(NormalizeText(string(raw))), nil
}

// PromptHash returns sha256_hex(normalize(prompt)). Differences in prompt
// whitespace or casing never change the result.
func PromptHash(prompt string) string {
	return SHA256Hex(NormalizeText(prompt))
}
