// Package ingest turns uploaded seed documents into plain text for the
// initial draft and optionally archives the original bytes.
package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MaxSeedBytes caps how much of an upload is read.
const MaxSeedBytes = 10 << 20

var (
	ErrUnsupportedFormat = errors.New("unsupported seed file format")
	ErrTooLarge          = errors.New("seed file too large")
	ErrNotText           = errors.New("seed file is not valid UTF-8 text")
)

// SupportedExtensions lists the accepted seed file extensions.
func SupportedExtensions() []string {
	return []string{".txt", ".md", ".pdf", ".docx"}
}

// Extract reads r and returns its text content, choosing the parser from
// the filename extension.
func Extract(filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt", ".md", ".pdf", ".docx":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxSeedBytes+1))
	if err != nil {
		return "", fmt.Errorf("read seed file: %w", err)
	}
	if len(data) > MaxSeedBytes {
		return "", ErrTooLarge
	}

	switch ext {
	case ".txt":
		if !utf8.Valid(data) {
			return "", ErrNotText
		}
		return strings.TrimSpace(string(data)), nil
	case ".md":
		if !utf8.Valid(data) {
			return "", ErrNotText
		}
		return markdownToPlainText(data), nil
	case ".pdf":
		return pdfText(data)
	default:
		return docxText(data)
	}
}

func markdownToPlainText(source []byte) string {
	node := goldmark.New().Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindText:
			t := n.(*ast.Text)
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteString("\n")
			}
		case ast.KindParagraph, ast.KindHeading:
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
		case ast.KindListItem:
			b.WriteString("\n- ")
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			b.WriteString("\n\n")
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				b.Write(line.Value(source))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func pdfText(data []byte) (string, error) {
	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	pages, err := reader.GetNumPages()
	if err != nil {
		return "", fmt.Errorf("count pdf pages: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= pages; i++ {
		page, err := reader.GetPage(i)
		if err != nil {
			return "", fmt.Errorf("get pdf page %d: %w", i, err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return "", fmt.Errorf("extract pdf page %d: %w", i, err)
		}
		pageText, err := ex.ExtractText()
		if err != nil {
			return "", fmt.Errorf("extract pdf page %d: %w", i, err)
		}
		b.WriteString(pageText)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), nil
}

// docxText pulls paragraph text out of word/document.xml.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("open docx: word/document.xml missing")
	}
	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("open docx body: %w", err)
	}
	defer rc.Close()

	var (
		b         strings.Builder
		paragraph strings.Builder
		inText    bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse docx body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				paragraph.WriteString("\t")
			case "br":
				paragraph.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(paragraph.String()); s != "" {
					if b.Len() > 0 {
						b.WriteString("\n")
					}
					b.WriteString(s)
				}
				paragraph.Reset()
			}
		case xml.CharData:
			if inText {
				paragraph.Write(t)
			}
		}
	}
	return b.String(), nil
}
