package engine

import (
	"regexp"
	"strings"
)

var (
	urlPattern      = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.\-]*://[^\s"'<>]+`)
	userinfoPattern = regexp.MustCompile(`[^\s/@:"']+:[^\s/@"']+@`)
	pathPattern     = regexp.MustCompile(`(^|[\s"'(=])((?:[A-Za-z]:\\|/)(?:[^\s"'()/\\]+[/\\])*[^\s"'()/\\:]+\.[A-Za-z0-9]+)`)
)

// maxCauseLength bounds causes echoed to callers.
const maxCauseLength = 512

// Sanitize strips URLs, credentials and file paths from an error message
// before it leaves the process.
func Sanitize(msg string) string {
	msg = urlPattern.ReplaceAllString(msg, "<url>")
	msg = userinfoPattern.ReplaceAllString(msg, "")
	msg = pathPattern.ReplaceAllString(msg, "${1}<path>")
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > maxCauseLength {
		msg = msg[:maxCauseLength] + "..."
	}
	return msg
}
