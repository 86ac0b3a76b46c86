package avatar

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Fallback is used when a stored colour has no alpha, e.g. 0 for users
// that predate avatar colours.
const Fallback = "#607d8b"

// CSSColor turns a signed 32-bit ARGB value into #rrggbb.
func CSSColor(argb int64) string {
	v := uint32(argb)
	if v>>24 == 0 {
		return Fallback
	}
	return fmt.Sprintf("#%06x", v&0xFFFFFF)
}

// InitialsSVG renders a round initials avatar in the given ARGB colour.
func InitialsSVG(label string, argb int64) []byte {
	initials := extractInitials(label)
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="256" height="256" viewBox="0 0 256 256">
  <rect width="256" height="256" rx="128" fill="%s"/>
  <text x="128" y="128" dy=".35em" text-anchor="middle"
        font-family="sans-serif" font-size="100" font-weight="600" fill="#fff">%s</text>
</svg>`, CSSColor(argb), escape(initials))
	return []byte(svg)
}

// Hash returns 16 hex chars identifying data, for ETags.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

func extractInitials(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "?"
	}
	parts := strings.Fields(label)
	if len(parts) >= 2 {
		return strings.ToUpper(string([]rune(parts[0])[:1]) + string([]rune(parts[1])[:1]))
	}
	r := []rune(parts[0])
	if len(r) >= 2 {
		return strings.ToUpper(string(r[:2]))
	}
	return strings.ToUpper(string(r[:1]))
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func escape(s string) string { return xmlEscaper.Replace(s) }
