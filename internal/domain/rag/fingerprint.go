package rag

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Fingerprint 计算内容指纹（sha256 十六进制）。
// 文本内容（合法 UTF-8 且不含 NUL）先合并空白，空白差异不影响指纹；二进制内容按原始字节计算。
func Fingerprint(data []byte) string {
	h := sha256.New()
	if isText(data) {
		fields := strings.Fields(string(data))
		for i, f := range fields {
			if i > 0 {
				h.Write([]byte{' '})
			}
			h.Write([]byte(f))
		}
	} else {
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func isText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}
