package sandbox

import (
	"os"
	"regexp"
	"strings"
)

// tempFilePattern matches the wrapped-code temp files this package
// creates, wherever the OS placed them.
var tempFilePattern = regexp.MustCompile(`\S*pml-sandbox-[0-9a-zA-Z]+\.ts`)

// sanitize strips host filesystem details from messages that cross the
// sandbox boundary: temp-file paths become <temp-file>, the home
// directory becomes <home>.
func sanitize(msg string) string {
	msg = tempFilePattern.ReplaceAllString(msg, "<temp-file>")
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		msg = strings.ReplaceAll(msg, home, "<home>")
	}
	if tmp := os.TempDir(); tmp != "" && tmp != "/" {
		msg = strings.ReplaceAll(msg, tmp, "<temp-file>")
	}
	return msg
}
