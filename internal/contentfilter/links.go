package contentfilter

import (
	"regexp"
	"strings"

	"github.com/hitoshi/guardian/internal/security"
	"golang.org/x/net/html"
)

// linkPattern はテキスト中のURLらしき文字列に一致する。
var linkPattern = regexp.MustCompile(`(?i)\b(?:https?|ftp|javascript|vbscript|data):[^\s"'<>]+`)

// linkAttrs はURLを保持し得る要素と属性の組。
var linkAttrs = map[string][]string{
	"a":      {"href"},
	"area":   {"href"},
	"form":   {"action"},
	"iframe": {"src"},
	"img":    {"src"},
	"script": {"src"},
	"embed":  {"src"},
	"object": {"data"},
}

// linkClassifier はURLの危険度をLinkGuardで判定する。
type linkClassifier struct {
	guard *security.LinkGuard
}

func (c *linkClassifier) classify(text string) []Finding {
	var out []Finding
	for _, loc := range linkPattern.FindAllStringIndex(text, -1) {
		if f, ok := c.finding(text[loc[0]:loc[1]], loc[0], loc[1]); ok {
			out = append(out, f)
		}
	}
	return out
}

// classifyURLs は位置情報を持たないURL（HTML属性由来）を判定する。
func (c *linkClassifier) classifyURLs(urls []string) []Finding {
	var out []Finding
	for _, u := range urls {
		if f, ok := c.finding(u, -1, -1); ok {
			out = append(out, f)
		}
	}
	return out
}

func (c *linkClassifier) finding(rawURL string, start, end int) (Finding, bool) {
	var sev Severity
	switch c.guard.Classify(rawURL) {
	case security.LinkMalicious:
		sev = SeveritySevere
	case security.LinkSuspicious:
		sev = SeverityModerate
	default:
		return Finding{}, false
	}
	return Finding{
		Category:   CategoryMaliciousLinks,
		Severity:   sev,
		Confidence: 0.85,
		Match:      rawURL,
		Start:      start,
		End:        end,
	}, true
}

// extractLinks はHTMLからリンク属性の値を文書順に抽出する。
// パースできない入力に対しては空のスライスを返す。
func extractLinks(rawHTML string) []string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if attrs, ok := linkAttrs[n.Data]; ok {
				for _, a := range n.Attr {
					for _, name := range attrs {
						if a.Key == name && strings.TrimSpace(a.Val) != "" {
							links = append(links, strings.TrimSpace(a.Val))
						}
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return links
}
