// 包 search：邮编文本检索（地名分词前缀 + 邮编数字前缀 + 拼写容错），仅供 HTTP 层调用
package search

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"craftsmen-api/internal/model"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// DefaultLimit：默认返回条数
const DefaultLimit = 10

// 匹配质量，数值越小越靠前
const (
	matchCodeExact = iota
	matchCodePrefix
	matchTokenExact
	matchTokenPrefix
	matchTokenFuzzy
	noMatch
)

type doc struct {
	info   model.PostcodeInfo
	code   string
	tokens []string
}

// Index：只读检索索引，构建后可并发查询
type Index struct {
	docs []doc
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// New：按输入构建索引
func New(infos []model.PostcodeInfo) *Index {
	idx := &Index{docs: make([]doc, 0, len(infos))}
	for _, info := range infos {
		idx.docs = append(idx.docs, doc{
			info:   info,
			code:   strconv.FormatUint(uint64(info.Zipcode), 10),
			tokens: tokenize(info.Place),
		})
	}
	return idx
}

// typoBudget：允许的编辑距离；短词与含数字的词不做容错
func typoBudget(term string) int {
	if strings.IndexFunc(term, unicode.IsDigit) >= 0 {
		return 0
	}
	switch n := utf8.RuneCountInString(term); {
	case n >= 9:
		return 2
	case n >= 5:
		return 1
	}
	return 0
}

// runePrefix：取前 n 个字符
func runePrefix(s string, n int) string {
	i := 0
	for j := range s {
		if i == n {
			return s[:j]
		}
		i++
	}
	return s
}

// fuzzyToken：整词或等长前缀在编辑距离内即命中
func fuzzyToken(term, token string, budget int) bool {
	if fuzzy.LevenshteinDistance(term, token) <= budget {
		return true
	}
	return fuzzy.LevenshteinDistance(term, runePrefix(token, utf8.RuneCountInString(term))) <= budget
}

func (d *doc) matchTerm(term string) int {
	best := noMatch
	if d.code == term {
		return matchCodeExact
	}
	if strings.HasPrefix(d.code, term) {
		best = matchCodePrefix
	}
	for _, t := range d.tokens {
		switch {
		case t == term && matchTokenExact < best:
			best = matchTokenExact
		case strings.HasPrefix(t, term) && matchTokenPrefix < best:
			best = matchTokenPrefix
		}
	}
	if best != noMatch {
		return best
	}
	if budget := typoBudget(term); budget > 0 {
		for _, t := range d.tokens {
			if fuzzyToken(term, t, budget) {
				return matchTokenFuzzy
			}
		}
	}
	return best
}

type hit struct {
	quality int
	info    model.PostcodeInfo
}

// 文档注释：检索
// 约束：查询按空白与标点切分，所有词都须命中（邮编前缀、地名词前缀或拼写容错）；
// 排序键为 (各词最差匹配质量, 邮编)；limit ≤ 0 时取 DefaultLimit；空查询返回空切片
func (idx *Index) Search(q string, limit int) []model.PostcodeInfo {
	if limit <= 0 {
		limit = DefaultLimit
	}
	terms := tokenize(q)
	out := []model.PostcodeInfo{}
	if idx == nil || len(terms) == 0 {
		return out
	}
	var hits []hit
	for i := range idx.docs {
		d := &idx.docs[i]
		worst := matchCodeExact
		for _, term := range terms {
			m := d.matchTerm(term)
			if m > worst {
				worst = m
			}
			if worst == noMatch {
				break
			}
		}
		if worst != noMatch {
			hits = append(hits, hit{quality: worst, info: d.info})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].quality != hits[j].quality {
			return hits[i].quality < hits[j].quality
		}
		if hits[i].info.Zipcode != hits[j].info.Zipcode {
			return hits[i].info.Zipcode < hits[j].info.Zipcode
		}
		return hits[i].info.Place < hits[j].info.Place
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	for _, h := range hits {
		out = append(out, h.info)
	}
	return out
}

// Len：索引条数
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.docs)
}
