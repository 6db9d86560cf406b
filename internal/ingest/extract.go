package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrUnsupported is returned for files no extractor handles.
var ErrUnsupported = errors.New("unsupported file type")

// Extractor turns raw file bytes into plain text.
type Extractor interface {
	// MIME is the media type recorded with every chunk.
	MIME() string
	Extract(raw []byte) (string, error)
}

// Extractors maps lower-case file extensions to extractors.
type Extractors map[string]Extractor

// DefaultExtractors handles plain text, source files, markdown and HTML.
// PDF and DOCX need an external extractor registered by the caller.
func DefaultExtractors() Extractors {
	ex := Extractors{
		".md":       Markdown{},
		".markdown": Markdown{},
		".html":     HTML{},
		".htm":      HTML{},
	}
	for _, e := range []string{".txt", ".log", ".csv", ".json", ".yaml", ".yml", ".toml",
		".go", ".rs", ".py", ".js", ".ts", ".tsx", ".java", ".c", ".h", ".sh", ".sql"} {
		ex[e] = PlainText{}
	}
	ex[".csv"] = PlainText{Type: "text/csv"}
	return ex
}

// For returns the extractor for path's extension.
func (ex Extractors) For(path string) (Extractor, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if e, ok := ex[ext]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
}

// PlainText passes UTF-8 text through unchanged.
type PlainText struct {
	Type string
}

func (p PlainText) MIME() string {
	if p.Type == "" {
		return "text/plain"
	}
	return p.Type
}

func (PlainText) Extract(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", errors.New("not a UTF-8 text file")
	}
	return string(raw), nil
}

// Markdown renders a markdown document to plain text: headings, paragraphs,
// list items and code blocks each end up on their own lines with the
// markup removed.
type Markdown struct{}

func (Markdown) MIME() string { return "text/markdown" }

func (Markdown) Extract(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", errors.New("not a UTF-8 text file")
	}
	doc := goldmark.DefaultParser().Parse(text.NewReader(raw))

	var b strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument && n.Kind() != ast.KindList {
				b.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Text:
			b.Write(n.Segment.Value(raw))
			if n.SoftLineBreak() || n.HardLineBreak() {
				b.WriteString("\n")
			}
		case *ast.String:
			b.Write(n.Value)
		case *ast.AutoLink:
			b.Write(n.Label(raw))
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(raw))
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return cleanWhitespace(b.String()), nil
}

// HTML extracts the visible text of a page.
type HTML struct{}

func (HTML) MIME() string { return "text/html" }

func (HTML) Extract(raw []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return stripTags(raw), nil
	}
	var b strings.Builder
	if title := strings.TrimSpace(findTitle(doc)); title != "" {
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	extractText(doc, &b)
	return cleanWhitespace(b.String()), nil
}

// skipElements hold no readable content.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		var b strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
		return b.String()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func extractText(n *html.Node, w *strings.Builder) {
	switch n.Type {
	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
		if isBlock(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n\n")
		}
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			w.WriteString(t)
			w.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of blanks inside lines and squeezes
// consecutive empty lines to one.
func cleanWhitespace(s string) string {
	var out []string
	prevEmpty := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func stripTags(raw []byte) string {
	z := html.NewTokenizer(bytes.NewReader(raw))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return cleanWhitespace(b.String())
		case html.TextToken:
			b.Write(z.Text())
			b.WriteString(" ")
		}
	}
}
