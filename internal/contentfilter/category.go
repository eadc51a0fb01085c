package contentfilter

import "fmt"

// Category は分類器が検出するコンテンツカテゴリ。
// 定義済みの値以外は使用しない（ポリシー表の行に対応する）。
type Category string

const (
	CategoryProfanity          Category = "profanity"
	CategoryHateSpeech         Category = "hate_speech"
	CategoryHarassment         Category = "harassment"
	CategorySpam               Category = "spam"
	CategoryMaliciousLinks     Category = "malicious_links"
	CategoryAcademicDishonesty Category = "academic_dishonesty"
	CategoryMisinformation     Category = "misinformation"
	CategoryChildSafety        Category = "child_safety"
	CategoryPersonalInfo       Category = "personal_info"
	CategoryCustom             Category = "custom"
)

// allCategories は分類器の実行順およびカテゴリ出力順。
var allCategories = []Category{
	CategoryProfanity,
	CategoryHateSpeech,
	CategoryHarassment,
	CategorySpam,
	CategoryMaliciousLinks,
	CategoryAcademicDishonesty,
	CategoryMisinformation,
	CategoryChildSafety,
	CategoryPersonalInfo,
	CategoryCustom,
}

func (c Category) valid() bool {
	for _, v := range allCategories {
		if v == c {
			return true
		}
	}
	return false
}

func (c Category) order() int {
	for i, v := range allCategories {
		if v == c {
			return i
		}
	}
	return len(allCategories)
}

// Severity は検出結果の重大度。
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

var allSeverities = []Severity{SeverityMild, SeverityModerate, SeveritySevere}

func (s Severity) valid() bool {
	return s == SeverityMild || s == SeverityModerate || s == SeveritySevere
}

// Decision はフィルタの最終判定。
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionFlag  Decision = "flag"
	DecisionBlock Decision = "block"
)

// rank は判定の厳しさ。大きいほど厳しい。
func (d Decision) rank() int {
	switch d {
	case DecisionFlag:
		return 1
	case DecisionBlock:
		return 2
	}
	return 0
}

func (d Decision) valid() bool {
	return d == DecisionAllow || d == DecisionFlag || d == DecisionBlock
}

// ContentType は入力コンテンツの種別。
type ContentType string

const (
	TypeText  ContentType = "text"
	TypeHTML  ContentType = "html"
	TypeImage ContentType = "image"
	TypeFile  ContentType = "file"
)

// ParseContentType は文字列をContentTypeに変換する。空文字列はtextとして扱う。
func ParseContentType(s string) (ContentType, error) {
	switch ContentType(s) {
	case "", TypeText:
		return TypeText, nil
	case TypeHTML, TypeImage, TypeFile:
		return ContentType(s), nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}
