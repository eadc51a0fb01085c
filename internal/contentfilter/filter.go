// Package contentfilter はユーザー入力と生成コンテンツの安全性判定を提供する。
//
// 独立した分類器を決まった順序で適用し、各検出結果をカテゴリ×重大度のポリシー表で
// allow/flag/blockに対応付け、最も厳しい判定を最終判定とする。
// 判定は純粋関数であり、同一の入力とポリシーに対して常に同一の結果を返す。
package contentfilter

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/hitoshi/guardian/internal/metrics"
	"github.com/hitoshi/guardian/internal/security"
)

// minorAge 未満の利用者には子ども向け安全性の分類器を追加で適用する。
const minorAge = 18

// DefaultChildAgeThreshold は厳格なポリシー表を適用する年齢の既定値。
const DefaultChildAgeThreshold = 13

// 赤入れの置換文字列。
const (
	redactedText         = "[FILTERED]"
	redactedPersonalInfo = "[PERSONAL INFO REMOVED]"
)

// Config はフィルタの設定を保持する。
type Config struct {
	Policy            Policy
	Blocklist         []string // 大文字小文字を区別しない部分一致
	Patterns          []string // 追加の正規表現
	ChildAgeThreshold int
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Policy:            DefaultPolicy(),
		ChildAgeThreshold: DefaultChildAgeThreshold,
	}
}

// Input はフィルタ対象のコンテンツ。
// image, fileの場合はキャプションやファイル名などのメタデータをContentに渡す。
type Input struct {
	Content    string
	Type       ContentType
	SubjectAge int // 0以下は不明
}

// Finding は1件の検出結果。Matchは入力の一部を含むためJSONには含めない。
type Finding struct {
	Category   Category `json:"category"`
	Severity   Severity `json:"severity"`
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Match      string   `json:"-"`
	Start      int      `json:"-"` // 位置を持たない検出結果は-1
	End        int      `json:"-"`
}

// Verdict はフィルタの判定結果。
type Verdict struct {
	Fingerprint     string     `json:"fingerprint"`
	Decision        Decision   `json:"decision"`
	Categories      []Category `json:"categories,omitempty"`
	Findings        []Finding  `json:"findings,omitempty"`
	Confidence      float64    `json:"confidence"`
	SafeVersion     string     `json:"-"`
	Recommendations []string   `json:"recommendations,omitempty"`
}

// Blocked はコンテンツを拒否すべきかを返す。
func (v Verdict) Blocked() bool {
	return v.Decision == DecisionBlock
}

// CategoryNames はカテゴリを文字列のスライスとして返す。
func (v Verdict) CategoryNames() []string {
	names := make([]string, len(v.Categories))
	for i, c := range v.Categories {
		names[i] = string(c)
	}
	return names
}

// Stats は判定結果ごとの件数。
type Stats struct {
	Allowed int64 `json:"allow"`
	Flagged int64 `json:"flag"`
	Blocked int64 `json:"block"`
}

// Filter はコンテンツの安全性を判定する。並行に呼び出せる。
type Filter struct {
	policy      Policy
	childPolicy Policy
	childAge    int
	classifiers []classifier
	minorOnly   []classifier
	custom      classifier
	links       *linkClassifier
	sanitizer   *security.ContentSanitizer
	logger      *slog.Logger
	metrics     metrics.MetricsCollector

	allowed atomic.Int64
	flagged atomic.Int64
	blocked atomic.Int64
}

// New はFilterを生成する。追加の正規表現がコンパイルできない場合はエラーを返す。
func New(cfg Config, logger *slog.Logger, collector metrics.MetricsCollector) (*Filter, error) {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.ChildAgeThreshold <= 0 {
		cfg.ChildAgeThreshold = DefaultChildAgeThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop()
	}
	custom, err := newCustomClassifier(cfg.Blocklist, cfg.Patterns)
	if err != nil {
		return nil, err
	}

	links := &linkClassifier{guard: security.NewLinkGuard()}
	return &Filter{
		policy:      cfg.Policy.clone(),
		childPolicy: cfg.Policy.strict(),
		childAge:    cfg.ChildAgeThreshold,
		classifiers: []classifier{
			profanityClassifier,
			hateSpeechClassifier,
			harassmentClassifier,
			defaultSpamClassifier,
			links,
			academicClassifier,
			misinformationClassifier,
		},
		minorOnly: []classifier{
			childSafetyClassifier,
			personalInfoClassifier,
		},
		custom:    custom,
		links:     links,
		sanitizer: security.NewContentSanitizer(),
		logger:    logger,
		metrics:   collector,
	}, nil
}

// Filter はコンテンツを判定する。
// HTMLはタグを除去したテキストを分類し、リンク属性は別途抽出して判定する。
func (f *Filter) Filter(ctx context.Context, in Input) Verdict {
	text := in.Content
	var urls []string
	if in.Type == TypeHTML {
		text = f.sanitizer.StripTags(in.Content)
		urls = extractLinks(in.Content)
	}

	v := Verdict{
		Fingerprint: security.Fingerprint(string(in.Type), in.Content),
		Decision:    DecisionAllow,
		Confidence:  1.0,
		SafeVersion: in.Content,
	}
	if strings.TrimSpace(text) == "" && len(urls) == 0 {
		f.record(ctx, in, v)
		return v
	}

	var findings []Finding
	for _, c := range f.classifiers {
		findings = append(findings, c.classify(text)...)
	}
	findings = append(findings, f.links.classifyURLs(urls)...)
	minor := in.SubjectAge > 0 && in.SubjectAge < minorAge
	if minor {
		for _, c := range f.minorOnly {
			findings = append(findings, c.classify(text)...)
		}
	}
	findings = append(findings, f.custom.classify(text)...)
	if len(findings) == 0 {
		f.record(ctx, in, v)
		return v
	}

	policy := f.policy
	if in.SubjectAge > 0 && in.SubjectAge < f.childAge {
		policy = f.childPolicy
	}
	for i := range findings {
		d := policy.Decide(findings[i].Category, findings[i].Severity)
		if findings[i].Category == CategoryChildSafety {
			d = DecisionBlock
		}
		findings[i].Decision = d
		if d.rank() > v.Decision.rank() {
			v.Decision = d
		}
		if findings[i].Confidence < v.Confidence {
			v.Confidence = findings[i].Confidence
		}
	}
	sortFindings(findings)

	v.Findings = findings
	v.Categories = categoriesOf(findings)
	if v.Decision != DecisionAllow {
		v.SafeVersion = redact(text, findings)
		v.Recommendations = recommendations(v.Decision, v.Categories)
	}
	f.record(ctx, in, v)
	return v
}

// Stats は起動以降の判定件数を返す。
func (f *Filter) Stats() Stats {
	return Stats{
		Allowed: f.allowed.Load(),
		Flagged: f.flagged.Load(),
		Blocked: f.blocked.Load(),
	}
}

func (f *Filter) record(ctx context.Context, in Input, v Verdict) {
	switch v.Decision {
	case DecisionBlock:
		f.blocked.Add(1)
	case DecisionFlag:
		f.flagged.Add(1)
	default:
		f.allowed.Add(1)
	}
	names := v.CategoryNames()
	f.metrics.RecordContentVerdict(string(v.Decision), names)

	if v.Decision != DecisionAllow {
		f.logger.InfoContext(ctx, "content filtered",
			slog.String("fingerprint", v.Fingerprint),
			slog.String("decision", string(v.Decision)),
			slog.String("categories", strings.Join(names, ",")),
			slog.String("content_type", string(in.Type)),
		)
	}
}

// sortFindings は位置順（位置なしは末尾）、カテゴリ順、一致文字列順に並べる。
func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if (a.Start < 0) != (b.Start < 0) {
			return a.Start >= 0
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		if a.Category != b.Category {
			return a.Category.order() < b.Category.order()
		}
		return a.Match < b.Match
	})
}

func categoriesOf(findings []Finding) []Category {
	seen := make(map[Category]bool, len(findings))
	for _, f := range findings {
		seen[f.Category] = true
	}
	var out []Category
	for _, c := range allCategories {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out
}

// redact はallow以外と判定された位置付きの検出箇所を置換する。
// 重なり合う箇所は先に始まり、より長いものを優先する。
func redact(text string, findings []Finding) string {
	spans := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Start >= 0 && f.Decision != DecisionAllow {
			spans = append(spans, f)
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	var b strings.Builder
	pos := 0
	for _, s := range spans {
		if s.Start < pos {
			continue
		}
		b.WriteString(text[pos:s.Start])
		switch s.Category {
		case CategoryProfanity:
			b.WriteString(strings.Repeat("*", utf8.RuneCountInString(s.Match)))
		case CategoryPersonalInfo:
			b.WriteString(redactedPersonalInfo)
		default:
			b.WriteString(redactedText)
		}
		pos = s.End
	}
	b.WriteString(text[pos:])
	return b.String()
}

var categoryRecommendations = map[Category]string{
	CategoryProfanity:          "Consider using more appropriate language",
	CategoryAcademicDishonesty: "Remember to complete assignments independently",
	CategorySpam:               "Avoid repetitive or promotional content",
	CategoryPersonalInfo:       "Avoid sharing personal information online",
	CategoryMisinformation:     "Check claims against reliable sources",
}

func recommendations(d Decision, categories []Category) []string {
	var out []string
	switch d {
	case DecisionBlock:
		out = append(out,
			"Content has been blocked due to policy violations",
			"Please review our community guidelines",
		)
	case DecisionFlag:
		out = append(out,
			"Content has been flagged for review",
			"Consider revising your message",
		)
	}
	for _, c := range categories {
		if r, ok := categoryRecommendations[c]; ok {
			out = append(out, r)
		}
	}
	return out
}
