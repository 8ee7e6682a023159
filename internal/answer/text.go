package answer

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PlainText converts rich-text markup to normalized plain text: tags are
// stripped, entities decoded and whitespace collapsed to single spaces.
func PlainText(markup string) string {
	if markup == "" {
		return ""
	}

	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(markup))
	skipDepth := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")

		case html.TextToken:
			if skipDepth == 0 {
				sb.Write(z.Text())
			}

		case html.StartTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style {
				skipDepth++
			}
			if breaksText(a) {
				sb.WriteByte(' ')
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if (a == atom.Script || a == atom.Style) && skipDepth > 0 {
				skipDepth--
			}
			if breaksText(a) {
				sb.WriteByte(' ')
			}

		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if breaksText(atom.Lookup(name)) {
				sb.WriteByte(' ')
			}
		}
	}
}

func breaksText(a atom.Atom) bool {
	switch a {
	case atom.Br, atom.P, atom.Div, atom.Li, atom.Tr, atom.Td, atom.Th,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Pre, atom.Blockquote:
		return true
	}
	return false
}
