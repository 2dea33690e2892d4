// Package importer loads markdown notes into the local store as
// memory records. Each top-level section becomes one unsynced record,
// so the next sync pass carries imported notes to the remote like any
// locally-authored fact.
package importer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/haven-assistant/haven/internal/store"
)

// section is one heading-delimited slice of the document.
type section struct {
	Title string
	Body  []string
}

// ImportFile parses a markdown file and writes one memory per
// top-level section. The document's leading heading (before any body
// text) names the source tag; files without one are tagged by
// filename. Returns the number of records written.
func ImportFile(st *store.Store, path string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	source, sections := split(src)
	if source == "" {
		source = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	written := 0
	for _, sec := range sections {
		body := strings.TrimSpace(strings.Join(sec.Body, "\n\n"))
		if body == "" {
			continue
		}
		mem := &store.Memory{
			Prompt:  sec.Title,
			Content: body,
			Role:    "note",
			Source:  source,
		}
		if err := st.SaveMemory(mem); err != nil {
			return written, fmt.Errorf("import section %q: %w", sec.Title, err)
		}
		written++
	}

	logger.Info("markdown import complete",
		"file", path, "source", source, "records", written)
	return written, nil
}

// split parses the document and groups top-level blocks into
// heading-delimited sections. A heading that opens the document, with
// no body before it, becomes the source tag rather than a section of
// its own when deeper headings follow.
func split(src []byte) (string, []section) {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var source string
	var sections []section
	current := &section{}

	flush := func() {
		if current.Title != "" || len(current.Body) > 0 {
			sections = append(sections, *current)
		}
		current = &section{}
	}

	first := true
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			title := nodeText(h, src)
			if first && h.Level == 1 {
				source = title
				first = false
				continue
			}
			first = false
			flush()
			current.Title = title
			continue
		}
		first = false
		if t := nodeText(n, src); t != "" {
			current.Body = append(current.Body, t)
		}
	}
	flush()
	return source, sections
}

// nodeText collects the raw text under a block node, joining nested
// inline runs with the spacing markdown implies.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := node.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.ListItem:
			if node != n {
				b.WriteString("- ")
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}
