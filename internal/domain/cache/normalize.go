package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// NormalizeQuery 归一化查询：小写、去首尾空白、合并空白、去掉结尾的 ?!. 标点
func NormalizeQuery(q string) string {
	q = strings.Join(strings.Fields(strings.ToLower(q)), " ")
	return strings.TrimRight(q, "?!. ")
}

// Key 精确匹配缓存 key = sha256(query|topK|mode)
func Key(normalized string, topK int, mode string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", normalized, topK, mode)))
	return hex.EncodeToString(sum[:])
}

type partitionKey struct {
	topK int
	mode string
}
