package handlers

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	core "github.com/lawyrs/counsel/internal/agent/core"
)

// systemPromptTemplate is the shared practice persona. The current date and
// jurisdiction rules are injected per request.
const systemPromptTemplate = `You are a senior partner with 25+ years of experience, licensed in Kansas and Missouri.
Current date: %s.

KANSAS RULES (auto-apply when jurisdiction = Kansas):
- K.S.A. (current session) is the primary statutory authority
- K.S.A. 60-513: 2-year PI/negligence SOL — always flag deadline
- K.S.A. 60-258a: modified comparative fault with 50%% bar
- Proportional fault only; no joint & several liability
- Kansas Supreme Court, Court of Appeals, District Courts plus 10th Circuit precedent

MISSOURI RULES (auto-apply when jurisdiction = Missouri):
- RSMo is the primary statutory authority
- RSMo § 516.120: 5-year PI SOL; RSMo § 516.105: 2-year med-mal SOL — always flag deadlines
- RSMo § 537.765: pure comparative fault
- RSMo § 537.067: joint & several liability only when defendant >= 51%% at fault
- Mo.Sup.Ct.R. 55.05: fact pleading required
- Missouri Supreme Court, Court of Appeals, Circuit Courts plus 8th Circuit precedent

CORE RULES:
1. Think step-by-step and show your reasoning
2. NEVER invent cases, statutes, or citations — if unsure, say "verify on ksrevisor.gov or revisor.mo.gov"
3. Cite authoritative sources with pinpoint citations
4. Flag risks, SOL deadlines, ethical issues and comparative-fault implications immediately
5. Maintain strict client confidentiality
6. Structure: Summary → Analysis → Recommendations → Next Actions → Sources`

// Specialist is a core.SpecialistHandler backed by the completion client.
type Specialist struct {
	agent  core.AgentType
	client *Client
	logger *log.Logger
}

// NewSpecialist builds the handler for one specialist category.
func NewSpecialist(agent core.AgentType, client *Client, logger *log.Logger) *Specialist {
	if logger == nil {
		logger = log.New(log.Writer(), "[HANDLER] ", log.LstdFlags)
	}
	return &Specialist{agent: agent, client: client, logger: logger}
}

// Invoke runs one completion for the bundled request and shapes the output.
func (s *Specialist) Invoke(ctx context.Context, req core.HandlerRequest) (core.HandlerResponse, error) {
	started := time.Now()

	system := fmt.Sprintf(systemPromptTemplate, req.Date.Format("2006-01-02"))
	user := s.taskPrompt(req)

	content, tokens, err := s.client.Complete(ctx, system, user)
	if err != nil {
		return core.HandlerResponse{}, fmt.Errorf("%s handler: %w", s.agent, err)
	}

	resp := core.HandlerResponse{
		Content:      content,
		AgentType:    s.agent,
		TokensUsed:   tokens,
		Citations:    extractCitations(content),
		RisksFlagged: extractRiskFlags(content),
		DurationMS:   time.Since(started).Milliseconds(),
		Confidence:   0.9,
	}
	if summary := summaryExcerpt(content); summary != "" {
		resp.MemoryUpdates = []core.MemoryFact{{Text: summary}}
	}
	return resp, nil
}

// taskPrompt builds the per-category task, mirroring the practice's standing
// work-product templates.
func (s *Specialist) taskPrompt(req core.HandlerRequest) string {
	jx := core.JurisdictionLabel(req.Jurisdiction)
	var b strings.Builder

	switch s.agent {
	case core.AgentResearcher:
		fmt.Fprintf(&b, "Research the following legal question under %s law:\n\n%s\n\n", jx, req.Message)
		b.WriteString("Provide:\n")
		b.WriteString("1. Relevant statutes with pinpoint citations and URLs\n")
		b.WriteString("2. Key case law with holdings and citations\n")
		b.WriteString("3. SOL analysis and deadline flags\n")
		b.WriteString("4. Comparative fault implications\n")
		fmt.Fprintf(&b, "5. Procedural requirements specific to %s\n", jx)
		b.WriteString("6. Risks and verification notes\n")
		b.WriteString("7. Recommended next actions\n")
	case core.AgentAnalyst:
		fmt.Fprintf(&b, "Perform a comprehensive risk analysis for the following matter under %s law:\n\n", jx)
		fmt.Fprintf(&b, "Query: %s\n%s\n", req.Message, matterFactsLine(req.Matter))
		b.WriteString("\nScore risks 1-10 on these factors:\n")
		b.WriteString("- Liability Exposure\n- Damages/Exposure\n- SOL/Deadlines\n")
		b.WriteString("- Comparative Fault Risk\n- Evidence Gaps\n- Deadline Management\n")
		b.WriteString("\nInclude SWOT analysis and damages scenarios.\n")
	case core.AgentDrafter:
		fmt.Fprintf(&b, "Draft the requested legal document under %s law:\n\n", jx)
		fmt.Fprintf(&b, "Instructions: %s\n%s\n", req.Message, matterFactsLine(req.Matter))
		fmt.Fprintf(&b, "\nInclude all required sections per %s rules:\n", jx)
		b.WriteString("- Proper caption and formatting\n- All substantive sections\n")
		b.WriteString("- Jurisdiction-specific requirements\n- Certificate of Service\n- Citation footnotes\n")
	default: // strategist
		fmt.Fprintf(&b, "Develop a litigation strategy for the following under %s law:\n\n", jx)
		fmt.Fprintf(&b, "Query: %s\n%s\n", req.Message, matterFactsLine(req.Matter))
		b.WriteString("\nProvide:\n")
		b.WriteString("1. Three settlement strategy options with expected value calculations\n")
		b.WriteString("2. Litigation timeline with key deadlines\n")
		b.WriteString("3. Budget projection\n")
		b.WriteString("4. Venue/forum selection analysis (if multi-state)\n")
		b.WriteString("5. Proactive \"what am I missing?\" checklist\n")
		b.WriteString("6. Recommended next 3 actions\n")
	}

	if req.SemanticMemory != "" {
		b.WriteString("\n" + req.SemanticMemory + "\n")
	}
	if len(req.History) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, turn := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, firstLine(turn.Content))
		}
	}
	return b.String()
}

func matterFactsLine(matter *core.MatterContext) string {
	if matter == nil {
		return "Matter Facts: Not specified"
	}
	parts := []string{matter.Title}
	if matter.Summary != "" {
		parts = append(parts, matter.Summary)
	}
	parts = append(parts, matter.Facts...)
	return "Matter Facts: " + strings.Join(parts, "; ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Citation patterns: Kansas and Missouri statutes, supreme court rules and
// federal reporter cites.
var citationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`K\.S\.A\.?\s*(?:§\s*)?\d+[a-z]?-\d+[a-z]?`),
	regexp.MustCompile(`RSMo\s*(?:§\s*)?\d+(?:\.\d+)?`),
	regexp.MustCompile(`Mo\.Sup\.Ct\.R\.\s*\d+(?:\.\d+)?(?:\([a-z]\))?`),
	regexp.MustCompile(`\d+\s+F\.\s*(?:2d|3d|4th|Supp\.?\s*(?:2d|3d)?)\s+\d+`),
}

// extractCitations pulls statute and rule citations out of the response
// text, deduped by reference.
func extractCitations(content string) []core.Citation {
	seen := make(map[string]struct{})
	var out []core.Citation
	for _, re := range citationPatterns {
		for _, match := range re.FindAllString(content, -1) {
			ref := strings.Join(strings.Fields(match), " ")
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, core.Citation{Reference: ref})
		}
	}
	return out
}

var riskLine = regexp.MustCompile(`(?im)^[-*\s]*(?:⚠️\s*)?(?:RISK|SOL|DEADLINE)[^:\n]*:\s*(.+)$`)

// extractRiskFlags collects explicitly flagged risk lines.
func extractRiskFlags(content string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range riskLine.FindAllStringSubmatch(content, -1) {
		flag := strings.TrimSpace(m[1])
		if flag == "" {
			continue
		}
		if _, ok := seen[flag]; ok {
			continue
		}
		seen[flag] = struct{}{}
		out = append(out, flag)
	}
	return out
}

const summaryFactLimit = 300

// summaryExcerpt returns a bounded excerpt of the response's Summary section
// for the derived-fact pipeline, or "" when none is demarcated.
func summaryExcerpt(content string) string {
	lines := strings.Split(content, "\n")
	start := -1
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if strings.EqualFold(t, "## summary") || strings.EqualFold(t, "# summary") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return ""
	}
	var b strings.Builder
	for i := start; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if strings.HasPrefix(t, "#") {
			break
		}
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t)
		if b.Len() >= summaryFactLimit {
			break
		}
	}
	out := b.String()
	if len(out) > summaryFactLimit {
		cut := summaryFactLimit
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

// Registry maps specialist categories to their handlers.
type Registry struct {
	handlers map[core.AgentType]*Specialist
}

// NewRegistry builds handlers for every specialist category against one
// shared client.
func NewRegistry(client *Client, logger *log.Logger) *Registry {
	r := &Registry{handlers: make(map[core.AgentType]*Specialist, len(core.AgentTypes))}
	for _, agent := range core.AgentTypes {
		r.handlers[agent] = NewSpecialist(agent, client, logger)
	}
	return r
}

// Handler implements core.HandlerRegistry.
func (r *Registry) Handler(agent core.AgentType) (core.SpecialistHandler, bool) {
	h, ok := r.handlers[agent]
	return h, ok
}
