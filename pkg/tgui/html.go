package tgui

import (
	"html"
	"strings"
)

// H is text that is already safe for ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes user text for HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// B renders s in bold.
func B(s string) H { return "<b>" + Esc(s) + "</b>" }

// Paragraphs joins the non-blank parts with a blank line between them.
func Paragraphs(parts ...H) H {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			kept = append(kept, string(p))
		}
	}
	return H(strings.Join(kept, "\n\n"))
}
