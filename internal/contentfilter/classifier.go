package contentfilter

import (
	"fmt"
	"regexp"
	"strings"
)

// classifier は正規化済みテキストから検出結果を返す。
// 実装は状態を持たず、並行に呼び出せる。
type classifier interface {
	classify(text string) []Finding
}

type rule struct {
	re       *regexp.Regexp
	severity Severity
}

// patternClassifier は正規表現の一致を検出結果にする。
type patternClassifier struct {
	category   Category
	confidence float64
	rules      []rule
}

func (c *patternClassifier) classify(text string) []Finding {
	var out []Finding
	for _, r := range c.rules {
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			out = append(out, Finding{
				Category:   c.category,
				Severity:   r.severity,
				Confidence: c.confidence,
				Match:      text[loc[0]:loc[1]],
				Start:      loc[0],
				End:        loc[1],
			})
		}
	}
	return out
}

func mustRule(expr string, s Severity) rule {
	return rule{re: regexp.MustCompile(`(?i)` + expr), severity: s}
}

// wordRule は単語リストを単語境界付きの1つの正規表現にまとめる。
func wordRule(words []string, s Severity) rule {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return mustRule(`\b(?:`+strings.Join(quoted, "|")+`)\b`, s)
}

var profanityClassifier = &patternClassifier{
	category:   CategoryProfanity,
	confidence: 0.9,
	rules: []rule{
		wordRule([]string{"damn", "hell", "crap"}, SeverityMild),
		wordRule([]string{"stupid", "idiot", "moron"}, SeverityModerate),
		wordRule([]string{"fuck", "fucking", "shit", "bitch", "bastard", "asshole"}, SeveritySevere),
	},
}

var hateSpeechClassifier = &patternClassifier{
	category:   CategoryHateSpeech,
	confidence: 0.85,
	rules: []rule{
		mustRule(`\b(?:racist|sexist|homophobic)\b`, SeverityModerate),
		mustRule(`\b(?:kill yourself|kys)\b`, SeveritySevere),
		mustRule(`\byou should die\b`, SeveritySevere),
	},
}

var harassmentClassifier = &patternClassifier{
	category:   CategoryHarassment,
	confidence: 0.8,
	rules: []rule{
		mustRule(`\b(?:shut up|go away|nobody likes you)\b`, SeverityMild),
		mustRule(`\b(?:you are (?:so )?stupid|you're an idiot)\b`, SeverityModerate),
		mustRule(`\byou should (?:die|kill yourself)\b`, SeveritySevere),
	},
}

var academicClassifier = &patternClassifier{
	category:   CategoryAcademicDishonesty,
	confidence: 0.7,
	rules: []rule{
		mustRule(`\b(?:write my essay|do my homework)\b`, SeverityModerate),
		mustRule(`\b(?:plagiarize|copy paste)\b`, SeverityModerate),
		mustRule(`\b(?:cheat on (?:the |my )?exam|test answers)\b`, SeverityModerate),
	},
}

var misinformationClassifier = &patternClassifier{
	category:   CategoryMisinformation,
	confidence: 0.6,
	rules: []rule{
		mustRule(`\b(?:scientists are lying|research is fake)\b`, SeverityModerate),
		mustRule(`\b(?:proven fact|100% true|everyone knows)\b`, SeverityMild),
		mustRule(`\b(?:they don't want you to know|hidden truth)\b`, SeverityMild),
	},
}

var childSafetyClassifier = &patternClassifier{
	category:   CategoryChildSafety,
	confidence: 0.9,
	rules: []rule{
		mustRule(`\b(?:meet in person|send (?:me )?photos)\b`, SeveritySevere),
		mustRule(`\b(?:keep this (?:a )?secret|don't tell)\b`, SeveritySevere),
		mustRule(`\b(?:home alone|parents away)\b`, SeveritySevere),
	},
}

var personalInfoClassifier = &patternClassifier{
	category:   CategoryPersonalInfo,
	confidence: 0.9,
	rules: []rule{
		mustRule(`\b\d{3}-\d{3}-\d{4}\b`, SeverityModerate),
		mustRule(`\b[\w.+-]+@[\w-]+(?:\.[\w-]+)+\b`, SeverityModerate),
		mustRule(`\b\d+\s+\w+\s+(?:street|avenue|road|drive)\b`, SeverityModerate),
	},
}

// spamClassifier は宣伝文句と同一語の過剰な繰り返しを検出する。
type spamClassifier struct {
	patterns *patternClassifier
}

var defaultSpamClassifier = &spamClassifier{
	patterns: &patternClassifier{
		category:   CategorySpam,
		confidence: 0.75,
		rules: []rule{
			mustRule(`\b(?:click here|buy now|free money)\b`, SeverityMild),
			mustRule(`(?:\bwin \$\d+|\blottery winner\b)`, SeverityModerate),
			mustRule(`\b(?:urgent|act now|limited time)\b`, SeverityMild),
		},
	},
}

// 語数がminRepetitionWordsを超え、総語数/異なり語数がrepetitionRatioを超えると繰り返しとみなす。
const (
	minRepetitionWords = 10
	repetitionRatio    = 3.0
)

func (c *spamClassifier) classify(text string) []Finding {
	out := c.patterns.classify(text)

	words := strings.Fields(strings.ToLower(text))
	if len(words) > minRepetitionWords {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		if float64(len(words))/float64(len(unique)) > repetitionRatio {
			out = append(out, Finding{
				Category:   CategorySpam,
				Severity:   SeverityModerate,
				Confidence: 0.75,
				Match:      "repetitive",
				Start:      -1,
				End:        -1,
			})
		}
	}
	return out
}

// customClassifier は設定されたNGワードと正規表現を大文字小文字を区別せずに検出する。
type customClassifier struct {
	res []*regexp.Regexp
}

func newCustomClassifier(blocklist, patterns []string) (*customClassifier, error) {
	c := &customClassifier{}
	var quoted []string
	for _, t := range blocklist {
		if t = strings.TrimSpace(t); t != "" {
			quoted = append(quoted, regexp.QuoteMeta(t))
		}
	}
	if len(quoted) > 0 {
		c.res = append(c.res, regexp.MustCompile(`(?i)(?:`+strings.Join(quoted, "|")+`)`))
	}
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compile custom pattern %q: %w", p, err)
		}
		c.res = append(c.res, re)
	}
	return c, nil
}

func (c *customClassifier) classify(text string) []Finding {
	var out []Finding
	for _, re := range c.res {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if loc[0] == loc[1] {
				continue
			}
			out = append(out, Finding{
				Category:   CategoryCustom,
				Severity:   SeveritySevere,
				Confidence: 0.8,
				Match:      text[loc[0]:loc[1]],
				Start:      loc[0],
				End:        loc[1],
			})
		}
	}
	return out
}
