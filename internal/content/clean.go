package content

import "regexp"

var (
	telegramLinkPattern = regexp.MustCompile(`(?i)\b(?:https?://)?(?:www\.)?(?:t\.me|telegram\.me)/\S+`)
	handlePattern       = regexp.MustCompile(`(?:^|[\s])@(\w{3,})\b`)
)

// Clean strips t.me / telegram.me links and standalone @handle mentions from
// post text, leaving surrounding whitespace and newlines intact so the
// remaining text doesn't collapse onto one line.
func Clean(text string) string {
	out := telegramLinkPattern.ReplaceAllString(text, "")
	out = handlePattern.ReplaceAllStringFunc(out, func(match string) string {
		loc := handlePattern.FindStringSubmatchIndex(match)
		if loc == nil {
			return match
		}
		// Preserve whatever whitespace preceded the '@'.
		prefixEnd := loc[2] - 1
		if prefixEnd < 0 {
			prefixEnd = 0
		}
		return match[:prefixEnd]
	})
	return out
}
