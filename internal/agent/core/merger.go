package core

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// subTokenDiscount discounts the sub-agent's token contribution when
	// summing into the merged total.
	subTokenDiscount = 0.3
	// subExcerptLimit caps the sub-agent excerpt when no Summary section is
	// demarcated.
	subExcerptLimit = 500
)

// Merger combines a primary handler output with an optional co-routed
// sub-agent output into a single response.
type Merger struct{}

// NewMerger returns a Merger. Stateless; the zero value works.
func NewMerger() *Merger { return &Merger{} }

// Merge folds sub into primary. Pass nil sub when no co-route ran. The
// primary content passes through unchanged; the sub-agent contributes an
// extracted summary (or a capped excerpt) under a heading naming it, plus
// deduped citations and risk flags and discounted tokens.
func (m *Merger) Merge(primary HandlerResponse, sub *HandlerResponse) HandlerResponse {
	if sub == nil {
		return primary
	}

	merged := primary
	merged.TokensUsed = primary.TokensUsed + int64(float64(sub.TokensUsed)*subTokenDiscount)
	merged.Citations = unionCitations(primary.Citations, sub.Citations)
	merged.RisksFlagged = unionStrings(primary.RisksFlagged, sub.RisksFlagged)
	merged.SubAgents = appendAgentOnce(primary.SubAgents, sub.AgentType)
	merged.MemoryUpdates = append(append([]MemoryFact(nil), primary.MemoryUpdates...), sub.MemoryUpdates...)

	if contribution := subContribution(sub.Content); contribution != "" {
		merged.Content = fmt.Sprintf("%s\n\n### Contribution from %s\n\n%s",
			strings.TrimRight(primary.Content, "\n"), sub.AgentType, contribution)
	}
	if sub.DurationMS > merged.DurationMS {
		merged.DurationMS = sub.DurationMS
	}
	return merged
}

// subContribution extracts the sub-agent's "## Summary" section if one is
// clearly demarcated, otherwise a capped excerpt of its content.
func subContribution(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	if section := summarySection(content); section != "" {
		return section
	}
	if len(content) > subExcerptLimit {
		return truncateRunes(content, subExcerptLimit) + "…"
	}
	return content
}

// truncateRunes cuts s to at most limit bytes without splitting a rune.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// summarySection returns the body of the first "## Summary" heading up to
// the next heading of equal or higher level, or "" when absent.
func summarySection(content string) string {
	lines := strings.Split(content, "\n")
	start := -1
	for i, line := range lines {
		h := strings.TrimSpace(line)
		if strings.EqualFold(h, "## summary") || strings.EqualFold(h, "# summary") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return ""
	}
	end := len(lines)
	for i := start; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if strings.HasPrefix(t, "# ") || strings.HasPrefix(t, "## ") {
			end = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

// unionCitations unions by reference text, primary first, preserving order.
func unionCitations(primary, sub []Citation) []Citation {
	seen := make(map[string]struct{}, len(primary)+len(sub))
	out := make([]Citation, 0, len(primary)+len(sub))
	for _, c := range primary {
		key := strings.TrimSpace(c.Reference)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	for _, c := range sub {
		key := strings.TrimSpace(c.Reference)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// unionStrings unions by exact match, preserving first-seen order.
func unionStrings(primary, sub []string) []string {
	seen := make(map[string]struct{}, len(primary)+len(sub))
	out := make([]string, 0, len(primary)+len(sub))
	for _, s := range append(append([]string(nil), primary...), sub...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func appendAgentOnce(agents []AgentType, agent AgentType) []AgentType {
	for _, a := range agents {
		if a == agent {
			return agents
		}
	}
	return append(append([]AgentType(nil), agents...), agent)
}
