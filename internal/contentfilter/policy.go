package contentfilter

import (
	"fmt"
	"strings"
)

// Policy はカテゴリ×重大度から判定への対応表。
type Policy map[Category]map[Severity]Decision

// DefaultPolicy は既定のポリシー表を返す。
func DefaultPolicy() Policy {
	p := Policy{}
	set := func(c Category, mild, moderate, severe Decision) {
		p[c] = map[Severity]Decision{
			SeverityMild:     mild,
			SeverityModerate: moderate,
			SeveritySevere:   severe,
		}
	}
	set(CategoryProfanity, DecisionFlag, DecisionFlag, DecisionBlock)
	set(CategoryHateSpeech, DecisionBlock, DecisionBlock, DecisionBlock)
	set(CategoryHarassment, DecisionBlock, DecisionBlock, DecisionBlock)
	set(CategorySpam, DecisionFlag, DecisionFlag, DecisionFlag)
	set(CategoryMaliciousLinks, DecisionFlag, DecisionFlag, DecisionBlock)
	set(CategoryAcademicDishonesty, DecisionFlag, DecisionFlag, DecisionFlag)
	set(CategoryMisinformation, DecisionFlag, DecisionFlag, DecisionFlag)
	set(CategoryChildSafety, DecisionBlock, DecisionBlock, DecisionBlock)
	set(CategoryPersonalInfo, DecisionFlag, DecisionFlag, DecisionFlag)
	set(CategoryCustom, DecisionBlock, DecisionBlock, DecisionBlock)
	return p
}

// Decide は検出結果に対する判定を返す。表に無い組み合わせはflagとする。
func (p Policy) Decide(c Category, s Severity) Decision {
	if row, ok := p[c]; ok {
		if d, ok := row[s]; ok {
			return d
		}
	}
	return DecisionFlag
}

// strict は年少者向けの表を返す。flagはすべてblockに引き上げる。
func (p Policy) strict() Policy {
	out := p.clone()
	for _, row := range out {
		for s, d := range row {
			if d == DecisionFlag {
				row[s] = DecisionBlock
			}
		}
	}
	return out
}

func (p Policy) clone() Policy {
	out := make(Policy, len(p))
	for c, row := range p {
		r := make(map[Severity]Decision, len(row))
		for s, d := range row {
			r[s] = d
		}
		out[c] = r
	}
	return out
}

// ParsePolicy は "category.severity=decision,..." 形式の文字列でbaseを上書きした表を返す。
// severityに "*" を指定するとカテゴリの全重大度を上書きする。baseは変更しない。
func ParsePolicy(raw string, base Policy) (Policy, error) {
	out := base.clone()
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid policy entry %q", entry)
		}
		cat, sev, ok := strings.Cut(strings.TrimSpace(key), ".")
		if !ok {
			return nil, fmt.Errorf("invalid policy key %q", key)
		}
		c := Category(cat)
		if !c.valid() {
			return nil, fmt.Errorf("unknown category %q", cat)
		}
		d := Decision(strings.TrimSpace(value))
		if !d.valid() {
			return nil, fmt.Errorf("unknown decision %q", value)
		}

		if out[c] == nil {
			out[c] = map[Severity]Decision{}
		}
		if sev == "*" {
			for _, s := range allSeverities {
				out[c][s] = d
			}
			continue
		}
		s := Severity(sev)
		if !s.valid() {
			return nil, fmt.Errorf("unknown severity %q", sev)
		}
		out[c][s] = d
	}
	return out, nil
}
