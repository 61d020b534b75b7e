package export

import (
	"html"
	"html/template"
	"strings"
)

// StoryToHTML converts the small markdown subset drafts use (### headings,
// "- " bullets, blank-line paragraphs) into escaped HTML.
func StoryToHTML(story string) template.HTML {
	var out strings.Builder
	var paragraph []string
	inList := false

	flushParagraph := func() {
		if len(paragraph) > 0 {
			out.WriteString("<p>" + strings.Join(paragraph, "<br>") + "</p>")
			paragraph = nil
		}
	}
	closeList := func() {
		if inList {
			out.WriteString("</ul>")
			inList = false
		}
	}

	for _, raw := range strings.Split(strings.ReplaceAll(story, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			flushParagraph()
			closeList()
		case strings.HasPrefix(line, "#"):
			flushParagraph()
			closeList()
			level := len(line) - len(strings.TrimLeft(line, "#"))
			if level > 6 {
				level = 6
			}
			tag := "h" + string(rune('0'+level))
			text := strings.TrimSpace(strings.TrimLeft(line, "#"))
			out.WriteString("<" + tag + ">" + html.EscapeString(text) + "</" + tag + ">")
		case strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* "):
			flushParagraph()
			if !inList {
				out.WriteString("<ul>")
				inList = true
			}
			out.WriteString("<li>" + html.EscapeString(strings.TrimSpace(line[2:])) + "</li>")
		default:
			closeList()
			paragraph = append(paragraph, html.EscapeString(line))
		}
	}
	flushParagraph()
	closeList()
	return template.HTML(out.String())
}
