package rag

import (
	"bytes"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Sniffer 可选接口：解析器按文件头判断内容是否为其格式
type Sniffer interface {
	Sniff(head []byte) bool
}

const sniffLen = 512

// ParserRegistry 按扩展名选择解析器，构造后只读
type ParserRegistry struct {
	byExt map[string]Parser // key = ".ext"
	exts  []string
}

// NewParserRegistry 创建注册表；不传解析器时使用内置的 Markdown/纯文本/PDF/DOCX。
// 扩展名冲突时后者覆盖前者。
func NewParserRegistry(parsers ...Parser) *ParserRegistry {
	if len(parsers) == 0 {
		parsers = []Parser{&MarkdownParser{}, &PlainTextParser{}, &PDFParser{}, &DOCXParser{}}
	}
	r := &ParserRegistry{byExt: make(map[string]Parser)}
	for _, p := range parsers {
		for _, ext := range p.SupportedTypes() {
			r.byExt[strings.ToLower(ext)] = p
		}
	}
	for ext := range r.byExt {
		r.exts = append(r.exts, ext)
	}
	slices.Sort(r.exts)
	return r
}

// Resolve 根据文件名选择解析器，并用文件头校验内容与扩展名一致
func (r *ParserRegistry) Resolve(filename string, data []byte) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	p, ok := r.byExt[ext]
	if !ok {
		if ext == "" {
			return nil, fmt.Errorf("%w: no extension in %q (supported: %s)", ErrUnsupportedType, filename, r.SupportedTypes())
		}
		return nil, fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedType, ext, r.SupportedTypes())
	}
	if s, ok := p.(Sniffer); ok && !s.Sniff(data[:min(len(data), sniffLen)]) {
		return nil, fmt.Errorf("%w: content of %q is not %s", ErrUnsupportedType, filename, ext)
	}
	return p, nil
}

// SupportedTypes 所有支持的扩展名，逗号分隔
func (r *ParserRegistry) SupportedTypes() string {
	return strings.Join(r.exts, ", ")
}

var (
	pdfMagic = []byte("%PDF-")
	zipMagic = []byte("PK\x03\x04")
)

func (p *PDFParser) Sniff(head []byte) bool { return bytes.HasPrefix(head, pdfMagic) }

func (p *DOCXParser) Sniff(head []byte) bool { return bytes.HasPrefix(head, zipMagic) }

// 文本类格式不允许出现 NUL
func (p *PlainTextParser) Sniff(head []byte) bool { return bytes.IndexByte(head, 0) < 0 }

func (p *MarkdownParser) Sniff(head []byte) bool { return bytes.IndexByte(head, 0) < 0 }
