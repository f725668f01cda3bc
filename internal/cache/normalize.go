// SPDX-License-Identifier: MIT

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// stopWords are stripped during normalization so phrasing noise ("clean
// the garage" vs "clean garage") addresses the same entry.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "for": {}, "in": {}, "my": {}, "of": {},
	"on": {}, "or": {}, "the": {}, "to": {}, "with": {},
}

// Normalize folds a task description into its canonical key and keyword
// set: NFKC + case fold, whitespace collapse, stop-word strip. Keywords
// are the unique remaining tokens of length three or more.
func Normalize(description string) (key string, keywords []string) {
	folded := cases.Fold().String(norm.NFKC.String(description))

	tokens := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(tokens))
	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		kept = append(kept, tok)
		if len(tok) >= 3 {
			if _, dup := seen[tok]; !dup {
				seen[tok] = struct{}{}
				keywords = append(keywords, tok)
			}
		}
	}
	return strings.Join(kept, " "), keywords
}

// Fingerprint returns the full hex SHA-256 digest of the normalized key.
// A collision-resistant digest is required: two entries sharing a
// fingerprint with different payloads is treated as a bug, not tolerated.
func Fingerprint(normalizedKey string) string {
	sum := sha256.Sum256([]byte(normalizedKey))
	return hex.EncodeToString(sum[:])
}
