// Package blocks converts email bodies into Notion block lists.
package blocks

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ChenyqThu/MailAgent/internal/notion"
)

// InlineFile describes an uploaded inline part, addressable by Content-ID
// or filename.
type InlineFile struct {
	UploadID    string
	ContentType string
}

// InlineMap resolves cid: references to uploaded files. Keys are both the
// bare Content-ID and the filename of each inline part.
type InlineMap map[string]InlineFile

// Lookup tolerates partial cid/filename matches, which Outlook-generated
// HTML needs.
func (m InlineMap) Lookup(cid string) (InlineFile, bool) {
	if f, ok := m[cid]; ok {
		return f, true
	}
	for key, f := range m {
		if key == "" {
			continue
		}
		if strings.Contains(cid, key) || strings.Contains(key, cid) {
			return f, true
		}
	}
	return InlineFile{}, false
}

// Converter turns a message body into blocks. The interface exists so the
// pipeline can be tested with a canned converter.
type Converter interface {
	Convert(bodyHTML, bodyText string, inline InlineMap) []notion.Block
}

// HTMLConverter walks the parsed HTML tree and emits one block per
// block-level element. Inline markup collapses to plain text.
type HTMLConverter struct{}

// NewHTMLConverter returns the default converter.
func NewHTMLConverter() *HTMLConverter {
	return &HTMLConverter{}
}

// Convert prefers the HTML body and falls back to plain text paragraphs.
func (c *HTMLConverter) Convert(bodyHTML, bodyText string, inline InlineMap) []notion.Block {
	if strings.TrimSpace(bodyHTML) != "" {
		if out := c.convertHTML(bodyHTML, inline); len(out) > 0 {
			return out
		}
	}
	return TextBlocks(bodyText)
}

// TextBlocks renders plain text as paragraphs, one per blank-line-separated
// chunk.
func TextBlocks(text string) []notion.Block {
	var out []notion.Block
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		out = append(out, notion.Paragraph(para)...)
	}
	return out
}

func (c *HTMLConverter) convertHTML(bodyHTML string, inline InlineMap) []notion.Block {
	doc, err := html.Parse(strings.NewReader(bodyHTML))
	if err != nil {
		return nil
	}
	w := &walker{inline: inline}
	w.walk(doc)
	w.flushParagraph()
	return w.blocks
}

type walker struct {
	inline InlineMap
	blocks []notion.Block
	// text accumulates inline content until the next block boundary.
	text strings.Builder
}

func (w *walker) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Title, atom.Meta:
			return
		case atom.Br:
			w.text.WriteString("\n")
			return
		case atom.Hr:
			w.flushParagraph()
			w.blocks = append(w.blocks, notion.Divider())
			return
		case atom.Img:
			w.handleImage(n)
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			w.flushParagraph()
			level := int(n.Data[1] - '0')
			if text := collapse(textContent(n)); text != "" {
				w.blocks = append(w.blocks, notion.Heading(level, text))
			}
			return
		case atom.Li:
			w.flushParagraph()
			if text := collapse(textContent(n)); text != "" {
				w.blocks = append(w.blocks, notion.BulletedListItem(text))
			}
			return
		case atom.Blockquote:
			w.flushParagraph()
			if text := collapse(textContent(n)); text != "" {
				w.blocks = append(w.blocks, notion.Quote(text))
			}
			return
		case atom.Pre:
			w.flushParagraph()
			if text := strings.TrimSpace(textContent(n)); text != "" {
				w.blocks = append(w.blocks, notion.CodeBlock(text, ""))
			}
			return
		case atom.Table:
			w.flushParagraph()
			w.handleTable(n)
			return
		case atom.P, atom.Div, atom.Tr:
			w.flushParagraph()
		case atom.A:
			// Keep the link target visible, Notion rich text links need
			// per-span annotation the flat walk does not track.
			text := collapse(textContent(n))
			href := attr(n, "href")
			if text != "" {
				w.text.WriteString(text)
				if href != "" && href != text && !strings.HasPrefix(href, "mailto:") {
					w.text.WriteString(" (" + href + ")")
				}
			}
			return
		}
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		w.walk(child)
	}

	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.P, atom.Div, atom.Tr:
			w.flushParagraph()
		}
	}
}

func (w *walker) flushParagraph() {
	text := collapse(w.text.String())
	w.text.Reset()
	if text == "" {
		return
	}
	w.blocks = append(w.blocks, notion.Paragraph(text)...)
}

// handleImage emits an image block for resolvable cid: references and a
// placeholder line otherwise. Remote http images pass through as external
// URLs in text form, the page does not hotlink them.
func (w *walker) handleImage(n *html.Node) {
	src := attr(n, "src")
	if src == "" {
		return
	}
	if cid, ok := strings.CutPrefix(src, "cid:"); ok {
		w.flushParagraph()
		if f, ok := w.inline.Lookup(cid); ok {
			w.blocks = append(w.blocks, notion.ImageUpload(f.UploadID))
		} else {
			w.blocks = append(w.blocks, notion.Paragraph(fmt.Sprintf("[image unavailable: cid:%s]", cid))...)
		}
		return
	}
	if alt := attr(n, "alt"); alt != "" {
		w.text.WriteString("[" + alt + "]")
	}
}

// handleTable flattens rows into "cell | cell" paragraph lines. Mail HTML
// tables are layout scaffolding more often than data, a real table block
// would mangle them.
func (w *walker) handleTable(n *html.Node) {
	var rows []string
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.ElementNode && node.DataAtom == atom.Tr {
			var cells []string
			for c := node.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
					if text := collapse(textContent(c)); text != "" {
						cells = append(cells, text)
					}
				}
			}
			if len(cells) > 0 {
				rows = append(rows, strings.Join(cells, " | "))
			}
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	if len(rows) > 0 {
		w.blocks = append(w.blocks, notion.Paragraph(strings.Join(rows, "\n"))...)
	}
}

// textContent returns the concatenated text under n, skipping script and
// style subtrees.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			return
		}
		if node.Type == html.ElementNode {
			switch node.DataAtom {
			case atom.Script, atom.Style:
				return
			case atom.Br:
				sb.WriteString("\n")
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return sb.String()
}

// collapse normalizes whitespace within lines and trims the result.
func collapse(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
