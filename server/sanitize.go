package server

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Clients render message bodies as plain text, so both fields go through
// the strict policy: no HTML survives, entities are decoded first.
var (
	usernamePolicy = bluemonday.StrictPolicy()
	bodyPolicy     = bluemonday.StrictPolicy()

	roomCodeRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

const (
	maxUsernameLen = 24
	maxBodyLen     = 4096
	maxRoomLen     = 64
)

func sanitizeUsername(name string) string {
	name = strings.TrimSpace(usernamePolicy.Sanitize(html.UnescapeString(name)))
	if name == "" {
		return "anon"
	}
	return truncateRunes(name, maxUsernameLen)
}

func sanitizeBody(body string) string {
	body = strings.TrimSpace(bodyPolicy.Sanitize(html.UnescapeString(body)))
	return truncateRunes(body, maxBodyLen)
}

// sanitizeRoom restricts room codes to a token charset; this also keeps
// them valid as store key prefixes and NATS subject segments.
func sanitizeRoom(code string) string {
	code = roomCodeRe.ReplaceAllString(strings.TrimSpace(code), "")
	if code == "" {
		return "global"
	}
	return truncateRunes(code, maxRoomLen)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}
