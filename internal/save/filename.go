package save

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xxmjskxx/metasave/internal/fields"
)

// substituteTokens expands the %token% grammar of a filename prefix.
//
// Accepted tokens: %seed%, %width%, %height%, %pprompt[:n]%, %nprompt[:n]%,
// %model[:n]%, %date% (yyyyMMddhhmmss) and %date:<pattern>% with the tokens
// yyyy MM dd hh mm ss. Unknown tokens are left verbatim.
func substituteTokens(prefix string, m *fields.Map, now time.Time) string {
	var b strings.Builder
	rest := prefix
	for {
		start := strings.IndexByte(rest, '%')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start+1:], '%')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		token := rest[start+1 : start+1+end]
		rest = rest[start+end+2:]

		if v, ok := expandToken(token, m, now); ok {
			b.WriteString(v)
		} else {
			b.WriteString("%" + token + "%")
		}
	}
	return b.String()
}

func expandToken(token string, m *fields.Map, now time.Time) (string, bool) {
	name, arg := token, ""
	if i := strings.IndexByte(token, ':'); i >= 0 {
		name, arg = token[:i], token[i+1:]
	}

	truncated := func(f fields.Field) (string, bool) {
		v, ok := m.Get(f)
		if !ok {
			return "", true // token resolves to empty, still consumed
		}
		v = sanitizeForFilename(v)
		if arg != "" {
			if n, err := strconv.Atoi(arg); err == nil && n >= 0 && n < len(v) {
				v = v[:n]
			}
		}
		return v, true
	}

	switch name {
	case "seed":
		v, _ := m.Get(fields.Seed)
		return v, true
	case "width":
		if size, ok := m.Get(fields.Size); ok {
			if i := strings.IndexByte(size, 'x'); i > 0 {
				return size[:i], true
			}
		}
		return "", true
	case "height":
		if size, ok := m.Get(fields.Size); ok {
			if i := strings.IndexByte(size, 'x'); i > 0 {
				return size[i+1:], true
			}
		}
		return "", true
	case "pprompt":
		return truncated(fields.PositivePrompt)
	case "nprompt":
		return truncated(fields.NegativePrompt)
	case "model":
		return truncated(fields.Model)
	case "date":
		return formatDate(arg, now), true
	default:
		return "", false
	}
}

// formatDate renders the custom yyyy MM dd hh mm ss pattern; an empty
// pattern means yyyyMMddhhmmss.
func formatDate(pattern string, now time.Time) string {
	if pattern == "" {
		pattern = "yyyyMMddhhmmss"
	}
	r := strings.NewReplacer(
		"yyyy", fmt.Sprintf("%04d", now.Year()),
		"MM", fmt.Sprintf("%02d", int(now.Month())),
		"dd", fmt.Sprintf("%02d", now.Day()),
		"hh", fmt.Sprintf("%02d", now.Hour()),
		"mm", fmt.Sprintf("%02d", now.Minute()),
		"ss", fmt.Sprintf("%02d", now.Second()),
	)
	return r.Replace(pattern)
}

// sanitizeForFilename keeps prompt-derived tokens filesystem-safe.
func sanitizeForFilename(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '\n', '\r', '\t':
			return '_'
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
