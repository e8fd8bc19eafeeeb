package rag

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	applog "hybridrag/internal/platform/log"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// Parser 文本抽取器
type Parser interface {
	// Parse 从原始字节抽取纯文本
	Parse(data []byte) (string, error)
	// SupportedTypes 支持的文件扩展名
	SupportedTypes() []string
}

// ── Markdown ─────────────────────────────────────────────────

// MarkdownParser 去除 Markdown 格式标记
type MarkdownParser struct{}

var (
	reMarkdownFence  = regexp.MustCompile("(?m)^```.*$")
	reMarkdownHeader = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reMarkdownImage  = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	reMarkdownLink   = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reMarkdownEmph   = regexp.MustCompile(`(\*\*|__|\*|_)([^*_\n]+)(\*\*|__|\*|_)`)
	reMarkdownInline = regexp.MustCompile("`([^`]+)`")
	reMarkdownHTML   = regexp.MustCompile(`<[^>]+>`)
)

func (p *MarkdownParser) SupportedTypes() []string {
	return []string{".md", ".markdown"}
}

func (p *MarkdownParser) Parse(data []byte) (string, error) {
	text := string(data)
	text = reMarkdownFence.ReplaceAllString(text, "")
	text = reMarkdownImage.ReplaceAllString(text, "$1")
	text = reMarkdownLink.ReplaceAllString(text, "$1")
	text = reMarkdownEmph.ReplaceAllString(text, "$2")
	text = reMarkdownInline.ReplaceAllString(text, "$1")
	text = reMarkdownHeader.ReplaceAllString(text, "")
	text = reMarkdownHTML.ReplaceAllString(text, "")
	return cleanText(text), nil
}

// ── Plain text ───────────────────────────────────────────────

// PlainTextParser 纯文本类文件原样返回
type PlainTextParser struct{}

func (p *PlainTextParser) SupportedTypes() []string {
	return []string{".txt", ".text", ".csv", ".log", ".json", ".xml", ".yaml", ".yml"}
}

func (p *PlainTextParser) Parse(data []byte) (string, error) {
	return cleanText(string(data)), nil
}

// ── PDF ──────────────────────────────────────────────────────

// PDFParser 逐页抽取 PDF 文本
type PDFParser struct{}

func (p *PDFParser) SupportedTypes() []string {
	return []string{".pdf"}
}

func (p *PDFParser) Parse(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[RAG/PDF] Failed to extract page text", "page", i, "error", err)
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	return cleanText(sb.String()), nil
}

// ── DOCX ─────────────────────────────────────────────────────

// DOCXParser 从 document.xml 中抽取段落文本
type DOCXParser struct{}

var (
	reDocxParagraphEnd = regexp.MustCompile(`</w:p>`)
	reDocxBreak        = regexp.MustCompile(`<w:(br|tab)[^>]*/>`)
	reXMLTag           = regexp.MustCompile(`<[^>]+>`)
)

func (p *DOCXParser) SupportedTypes() []string {
	return []string{".docx"}
}

func (p *DOCXParser) Parse(data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	content := r.Editable().GetContent()
	content = reDocxParagraphEnd.ReplaceAllString(content, "\n")
	content = reDocxBreak.ReplaceAllString(content, " ")
	content = reXMLTag.ReplaceAllString(content, "")
	return cleanText(html.UnescapeString(content)), nil
}

// ── 辅助函数 ─────────────────────────────────────────────────

var reMultiNewlines = regexp.MustCompile(`\n{3,}`)

func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(reMultiNewlines.ReplaceAllString(text, "\n\n"))
}
