// Package content implements fingerprinting and link-stripping for donor
// content before it is scheduled for republication.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const captionTruncateLen = 300

// Fingerprint computes the dedup key for a piece of content: a 32-hex-char
// digest over its kind, truncated caption, truncated text, and media hash.
// Two posts with the same kind/caption/text/media collapse to the same
// fingerprint regardless of which donor or channel they came from.
func Fingerprint(kind, caption, text string, mediaBytes []byte) string {
	mediaHash := MediaHash(mediaBytes)
	truncCaption := truncate(caption, captionTruncateLen)
	truncText := truncate(text, captionTruncateLen)

	raw := fmt.Sprintf("%s|%s|%s|%s", kind, truncCaption, truncText, mediaHash)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:32]
}

// MediaHash hashes raw media bytes down to a 32-hex-char digest. An empty
// byte slice (text-only content) returns the empty string rather than
// hashing it, matching the original fingerprint formula.
func MediaHash(mediaBytes []byte) string {
	if len(mediaBytes) == 0 {
		return ""
	}
	sum := sha256.Sum256(mediaBytes)
	return hex.EncodeToString(sum[:])[:32]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
