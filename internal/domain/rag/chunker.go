package rag

import "strings"

// Chunker 文档分块器
type Chunker struct {
	chunkSize int // 每块最大字符数
	overlap   int // 块间重叠字符数
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Chunker{
		chunkSize: chunkSize,
		overlap:   overlap,
	}
}

// Split 将文本切分为不超过 chunkSize 个字符的块，相邻块带 overlap
func (c *Chunker) Split(text string) []string {
	return c.mergeParagraphs(splitParagraphs(text))
}

// splitParagraphs 按换行切段，丢弃空行
func splitParagraphs(text string) []string {
	var parts []string
	for _, p := range strings.Split(strings.TrimSpace(text), "\n") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// mergeParagraphs 贪心合并段落；超长段落按 chunkSize-overlap 步长硬切
func (c *Chunker) mergeParagraphs(paragraphs []string) []string {
	var (
		chunks  []string
		current []rune
		dirty   bool // current 含有尚未输出的新内容
	)
	flush := func() {
		if !dirty {
			return
		}
		chunks = append(chunks, string(current))
		tail := c.overlap
		if tail > len(current) {
			tail = len(current)
		}
		// 下一块以上一块尾部开头
		current = append([]rune(nil), current[len(current)-tail:]...)
		dirty = false
	}

	for _, para := range paragraphs {
		runes := []rune(para)
		if len(runes) > c.chunkSize {
			flush()
			current = nil
			step := c.chunkSize - c.overlap
			for i := 0; i < len(runes); i += step {
				end := i + c.chunkSize
				if end >= len(runes) {
					chunks = append(chunks, string(runes[i:]))
					break
				}
				chunks = append(chunks, string(runes[i:end]))
			}
			continue
		}

		if len(current) > 0 && len(current)+1+len(runes) > c.chunkSize {
			flush()
			if len(current)+1+len(runes) > c.chunkSize {
				current = nil
			}
		}
		if len(current) > 0 {
			current = append(current, '\n')
		}
		current = append(current, runes...)
		dirty = true
	}
	flush()
	return chunks
}
