// ABOUTME: Error digest helper that keeps the tail of long error or execution output.
// ABOUTME: The tail is what gets fed back to the planner on retries.

package workflow

import (
	"fmt"
	"strings"
)

// DefaultDigestWords is how many trailing words a digest keeps.
const DefaultDigestWords = 25

// Digest renders v as text and returns its last n whitespace-separated words
// joined by single spaces. Errors render via Error(), nil renders empty, and
// n <= 0 always yields "".
func Digest(v any, n int) string {
	if n <= 0 || v == nil {
		return ""
	}

	var s string
	switch x := v.(type) {
	case string:
		s = x
	case error:
		s = x.Error()
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}

	words := strings.Fields(s)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}
