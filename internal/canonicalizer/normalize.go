package canonicalizer

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"

	"jobintel-go/internal/constants"
)

// NormalizeText 规范化文本：小写、去标点、压缩空白。
// 用于岗位标题/公司/地点的身份归一，以及描述的内容哈希计算。
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastWasSpace := true // 开头的空白直接丢弃
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r):
			if !lastWasSpace {
				b.WriteRune(' ')
				lastWasSpace = true
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// 标点和符号一律丢弃，"Sr. Engineer" 与 "Sr Engineer" 归一为同一身份
		default:
			b.WriteRune(r)
			lastWasSpace = false
		}
	}

	return strings.TrimRight(b.String(), " ")
}

// CanonicalHash 计算岗位身份哈希：规范化后的标题+公司+地点
func CanonicalHash(title, company, location string) string {
	identity := NormalizeText(title) + "|" + NormalizeText(company) + "|" + NormalizeText(location)
	sum := md5.Sum([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// ContentHash 计算描述内容哈希。只取规范化描述的前缀参与哈希，
// 既控制计算成本，也容忍不同渠道在尾部追加的推广性样板文字。
func ContentHash(description string) string {
	normalized := NormalizeText(description)

	runes := []rune(normalized)
	if len(runes) > constants.ContentHashPrefixChars {
		runes = runes[:constants.ContentHashPrefixChars]
	}

	sum := md5.Sum([]byte(string(runes)))
	return hex.EncodeToString(sum[:])
}

// BuildSearchText 拼接FULLTEXT索引列的内容
func BuildSearchText(title, company, location, description string) string {
	parts := []string{
		NormalizeText(title),
		NormalizeText(company),
		NormalizeText(location),
		NormalizeText(description),
	}
	return strings.Join(parts, " ")
}
