package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Classification scoring constants. Keyword hits score low, high-specificity
// pattern hits score higher, and the category of the previous assistant turn
// gets a continuity bonus. When first and second place land within
// tieBreakThreshold of each other the runner-up is co-routed as a sub-agent.
const (
	keywordWeight      = 3
	continuityBonus    = 2
	tieBreakThreshold  = 3
	fallbackConfidence = 0.25
	maxConfidence      = 0.99
)

// patternRule is a high-specificity signal: a compiled regex with its own
// weight, stronger than a plain keyword hit.
type patternRule struct {
	re     *regexp.Regexp
	weight int
}

// categoryRule collects every signal for one specialist category.
type categoryRule struct {
	agent    AgentType
	keywords []string
	patterns []patternRule
}

func pat(weight int, expr string) patternRule {
	return patternRule{re: regexp.MustCompile(expr), weight: weight}
}

// classifierRules is the full declarative rule table. Keyword matching is
// substring-based on the lowercased message, so stems like "evaluat" cover
// "evaluate", "evaluating" and "evaluation".
var classifierRules = []categoryRule{
	{
		agent: AgentResearcher,
		keywords: []string{
			"research", "case law", "precedent", "statute", "find", "search",
			"cite", "citation", "authority", "holding", "ruling", "sol",
			"limitation", "rule", "regulation", "code", "preemption",
		},
		patterns: []patternRule{
			pat(6, `k\.s\.a|ksa\s|kansas statute|chapter 60|10th circuit`),
			pat(6, `rsmo|r\.s\.mo|missouri statute|missouri supreme court rule|8th circuit`),
		},
	},
	{
		agent: AgentDrafter,
		keywords: []string{
			"draft", "write", "prepare", "create", "generate", "motion", "complaint",
			"letter", "brief", "contract", "agreement", "petition", "template",
			"engagement", "demand", "discovery request",
		},
		patterns: []patternRule{
			pat(5, `draft (a|the|my)\b`),
			pat(6, `motion to\b`),
		},
	},
	{
		agent: AgentAnalyst,
		keywords: []string{
			"risk", "assess", "evaluat", "analyz", "review", "strength", "weakness",
			"exposure", "damage", "inconsisten", "deposition", "enforceab", "score",
			"audit", "calculate", "comparative fault",
		},
		patterns: []patternRule{
			pat(5, `risk assess`),
			pat(4, `what am i missing`),
		},
	},
	{
		agent: AgentStrategist,
		keywords: []string{
			"strateg", "settle", "settlement", "timeline", "calendar", "deadline",
			"budget", "scenario", "option", "plan", "mediat", "arbitrat", "trial",
			"recommend", "proactive", "missing", "next step", "appeal",
		},
		patterns: []patternRule{
			pat(5, `what am i missing`),
		},
	},
}

// Classifier scores a message against the rule table and produces an
// AgentRoute. It is pure and deterministic: no I/O, no clock, no randomness.
type Classifier struct{}

// NewClassifier returns a Classifier. The rule table is package-level and
// immutable, so the zero value works too.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify routes a message. history is the bounded recent-turn window for
// the session, oldest first; only the most recent assistant turn's agent
// matters (continuity bonus).
func (c *Classifier) Classify(message string, history []ConversationTurn) AgentRoute {
	msg := strings.ToLower(message)

	scores := make(map[AgentType]int, len(classifierRules))
	for _, rule := range classifierRules {
		s := 0
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				s += keywordWeight
			}
		}
		for _, p := range rule.patterns {
			if p.re.MatchString(msg) {
				s += p.weight
			}
		}
		scores[rule.agent] = s
	}

	if prev := lastAssistantAgent(history); prev != "" {
		scores[prev] += continuityBonus
	}

	ranked := make([]AgentType, 0, len(scores))
	total := 0
	for _, agent := range AgentTypes {
		ranked = append(ranked, agent)
		total += scores[agent]
	}
	// Stable sort keeps the AgentTypes declaration order as the tiebreak,
	// so identical inputs always rank identically.
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i]] > scores[ranked[j]]
	})

	if total == 0 {
		return AgentRoute{
			Agent:      FallbackAgent,
			Confidence: fallbackConfidence,
			Reasoning:  "no category signals matched; falling back to " + string(FallbackAgent),
		}
	}

	top, second := ranked[0], ranked[1]
	confidence := 0.5 + 0.5*float64(scores[top])/float64(total)
	if confidence > maxConfidence {
		confidence = maxConfidence
	}

	route := AgentRoute{
		Agent:      top,
		Confidence: confidence,
		Reasoning:  scoreSummary(scores, ranked),
	}
	if scores[second] > 0 && scores[top]-scores[second] <= tieBreakThreshold {
		route.SubAgents = []AgentType{second}
	}
	return route
}

// lastAssistantAgent returns the agent of the most recent assistant turn,
// or "" if history holds none.
func lastAssistantAgent(history []ConversationTurn) AgentType {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" && history[i].AgentType.Valid() {
			return history[i].AgentType
		}
	}
	return ""
}

// scoreSummary renders every nonzero category with its score, ranked, for
// the audit trail stored on the turn.
func scoreSummary(scores map[AgentType]int, ranked []AgentType) string {
	parts := make([]string, 0, len(ranked))
	for _, agent := range ranked {
		if scores[agent] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", agent, scores[agent]))
		}
	}
	return "scores: " + strings.Join(parts, ", ")
}
