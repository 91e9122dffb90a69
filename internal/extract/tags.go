package extract

import "strings"

// Tagged returns the trimmed text between the first <tag> and the first </tag>
// after it. When either delimiter is missing the response is returned unchanged.
func Tagged(response, tag string) string {
	open := "<" + tag + ">"
	start := strings.Index(response, open)
	if start < 0 {
		return response
	}
	rest := response[start+len(open):]
	end := strings.Index(rest, "</"+tag+">")
	if end < 0 {
		return response
	}
	return strings.TrimSpace(rest[:end])
}
