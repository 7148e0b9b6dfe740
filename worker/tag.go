package worker

import "strings"

// TagURL appends marker to the URL fragment so the detail context can tell
// it was opened for extraction rather than by a human. Tagging is idempotent.
func TagURL(rawURL, marker string) string {
	if marker == "" || IsTagged(rawURL, marker) {
		return rawURL
	}
	i := strings.IndexByte(rawURL, '#')
	switch {
	case i < 0:
		return rawURL + "#" + marker
	case i == len(rawURL)-1:
		return rawURL + marker
	default:
		return rawURL + "&" + marker
	}
}

// IsTagged reports whether the URL fragment carries marker.
func IsTagged(rawURL, marker string) bool {
	if marker == "" {
		return false
	}
	i := strings.IndexByte(rawURL, '#')
	if i < 0 {
		return false
	}
	for _, part := range strings.Split(rawURL[i+1:], "&") {
		if part == marker {
			return true
		}
	}
	return false
}
