package content

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Heading is one entry of a module's section outline.
type Heading struct {
	Level int    `json:"level"`
	Title string `json:"title"`
}

type sanitizer struct {
	policy    *bluemonday.Policy
	converter *converter.Converter
}

func newSanitizer() *sanitizer {
	return &sanitizer{
		policy: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Clean strips anything the generated HTML should not carry (scripts, event
// handlers, unsafe links).
func (s *sanitizer) Clean(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

func (s *sanitizer) Markdown(cleanHTML string) (string, error) {
	if strings.TrimSpace(cleanHTML) == "" {
		return "", nil
	}
	md, err := s.converter.ConvertString(cleanHTML)
	if err != nil {
		return "", fmt.Errorf("convert html to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// Outline lists the headings of a sanitized HTML fragment in document order.
func Outline(cleanHTML string) ([]Heading, error) {
	root, err := html.Parse(strings.NewReader(cleanHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	headings := make([]Heading, 0)
	collectHeadings(root, &headings)
	return headings, nil
}

func collectHeadings(n *html.Node, headings *[]Heading) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			if text := nodeText(n); text != "" {
				*headings = append(*headings, Heading{Level: int(n.Data[1] - '0'), Title: text})
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectHeadings(c, headings)
	}
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
