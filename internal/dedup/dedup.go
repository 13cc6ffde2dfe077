// Package dedup computes content fingerprints for duplicate suppression.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"telescope/internal/model"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeText collapses whitespace runs to a single space, trims, and
// lowercases, so that cosmetic reformatting of a message yields the same
// fingerprint.
func NormalizeText(text string) string {
	return strings.ToLower(strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " ")))
}

// Fingerprint returns the fingerprint for normalized text under the
// given mode, or "" when dedup is off. The digest is SHA-256 so
// fingerprints stay stable across restarts.
//
// Per-source fingerprints mix in the effective source key; global ones
// hash the content alone for cross-source suppression.
func Fingerprint(sourceKey, normalizedText string, mode model.DedupMode) string {
	var payload string
	switch mode {
	case model.DedupOff:
		return ""
	case model.DedupGlobal:
		payload = normalizedText
	case model.DedupPerSource:
		payload = sourceKey + "\n" + normalizedText
	default:
		return ""
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
