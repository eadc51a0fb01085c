package ratelimit

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hitoshi/guardian/internal/model"
)

// Scope はレート制限の識別子の種類。
type Scope string

const (
	ScopeUser     Scope = "user"
	ScopeIP       Scope = "ip"
	ScopeEndpoint Scope = "endpoint"
)

// Action はレート制限の対象となる操作。
type Action string

const (
	ActionAPICalls          Action = "api_calls"
	ActionLoginAttempts     Action = "login_attempts"
	ActionContentGeneration Action = "content_generation"
	ActionFileUploads       Action = "file_uploads"
	ActionSearchQueries     Action = "search_queries"
)

// Limits は操作とスコープごとのウィンドウあたり上限。
type Limits map[Action]map[Scope]int

// Lookup は上限を返す。設定がない場合はfalseを返す。
func (l Limits) Lookup(action Action, scope Scope) (int, bool) {
	byScope, ok := l[action]
	if !ok {
		return 0, false
	}
	n, ok := byScope[scope]
	return n, ok
}

// DefaultLimits はデフォルトの上限表を返す（1ウィンドウあたり）。
func DefaultLimits() Limits {
	return Limits{
		ActionAPICalls:          {ScopeUser: 1000, ScopeIP: 5000, ScopeEndpoint: 10000},
		ActionLoginAttempts:     {ScopeUser: 5, ScopeIP: 20},
		ActionContentGeneration: {ScopeUser: 100, ScopeIP: 200},
		ActionFileUploads:       {ScopeUser: 50, ScopeIP: 100},
		ActionSearchQueries:     {ScopeUser: 500, ScopeIP: 1000},
	}
}

// DefaultBursts はバーストウィンドウあたりの上限を返す。
func DefaultBursts() map[Action]int {
	return map[Action]int{
		ActionAPICalls:          100,
		ActionContentGeneration: 10,
		ActionSearchQueries:     50,
	}
}

// DefaultTierMultipliers は利用プラン別の上限倍率を返す。
func DefaultTierMultipliers() map[model.Tier]float64 {
	return map[model.Tier]float64{
		model.TierBasic:      1,
		model.TierPremium:    2,
		model.TierEnterprise: 5,
	}
}

// ParseLimits は "action:scope=n,..." 形式の上書き設定をbaseに適用する。
func ParseLimits(value string, base Limits) (Limits, error) {
	out := make(Limits, len(base))
	for a, byScope := range base {
		out[a] = make(map[Scope]int, len(byScope))
		for s, n := range byScope {
			out[a][s] = n
		}
	}

	for _, entry := range splitEntries(value) {
		key, val, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid rate limit entry %q: want action:scope=n", entry)
		}
		action, scope, ok := strings.Cut(strings.TrimSpace(key), ":")
		if !ok || action == "" {
			return nil, fmt.Errorf("invalid rate limit key %q: want action:scope", key)
		}
		if !validScope(Scope(scope)) {
			return nil, fmt.Errorf("invalid rate limit scope %q", scope)
		}
		n, err := parseNonNegative(val)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit value for %q: %w", key, err)
		}
		if out[Action(action)] == nil {
			out[Action(action)] = make(map[Scope]int)
		}
		out[Action(action)][Scope(scope)] = n
	}
	return out, nil
}

// ParseBursts は "action=n,..." 形式のバースト上限設定をbaseに適用する。
func ParseBursts(value string, base map[Action]int) (map[Action]int, error) {
	out := make(map[Action]int, len(base))
	for a, n := range base {
		out[a] = n
	}
	for _, entry := range splitEntries(value) {
		key, val, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid burst entry %q: want action=n", entry)
		}
		n, err := parseNonNegative(val)
		if err != nil {
			return nil, fmt.Errorf("invalid burst value for %q: %w", key, err)
		}
		out[Action(strings.TrimSpace(key))] = n
	}
	return out, nil
}

// ParseTiers は "tier=multiplier,..." 形式の倍率設定をbaseに適用する。
func ParseTiers(value string, base map[model.Tier]float64) (map[model.Tier]float64, error) {
	out := make(map[model.Tier]float64, len(base))
	for t, m := range base {
		out[t] = m
	}
	for _, entry := range splitEntries(value) {
		key, val, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid tier entry %q: want tier=multiplier", entry)
		}
		m, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || m <= 0 || math.IsInf(m, 0) || math.IsNaN(m) {
			return nil, fmt.Errorf("invalid tier multiplier %q", val)
		}
		out[model.Tier(strings.TrimSpace(key))] = m
	}
	return out, nil
}

// effectiveLimit は倍率を適用した上限を返す。
func effectiveLimit(base int, multiplier float64) int {
	if multiplier <= 0 {
		multiplier = 1
	}
	return int(math.Floor(float64(base) * multiplier))
}

func validScope(s Scope) bool {
	switch s {
	case ScopeUser, ScopeIP, ScopeEndpoint:
		return true
	}
	return false
}

func splitEntries(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseNonNegative(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must be >= 0, got %d", n)
	}
	return n, nil
}
