package core

import (
	"strings"
	"time"
)

// Fixed footer lines appended to every finalized response. Appending is
// idempotent: a substring check skips the append when a handler already
// emitted its own copy.
const (
	disclaimerLine = "*This response is for informational purposes within your practice and does not constitute legal advice to a client.*"
	closingLine    = "— Counsel Assistant"
)

// jurisdictionDisplay maps canonical jurisdiction keys to display labels.
var jurisdictionDisplay = map[string]string{
	"kansas":     "Kansas",
	"missouri":   "Missouri",
	"federal":    "Federal",
	"multistate": "Kansas & Missouri",
}

// JurisdictionLabel returns the display label for a jurisdiction key,
// falling back to the key itself for unknown jurisdictions.
func JurisdictionLabel(jurisdiction string) string {
	if label, ok := jurisdictionDisplay[strings.ToLower(jurisdiction)]; ok {
		return label
	}
	return jurisdiction
}

// Normalizer finalizes merged content: leftover template placeholders are
// substituted exactly once and the fixed disclaimer and closing line are
// appended exactly once. Normalize(Normalize(x)) == Normalize(x).
type Normalizer struct{}

// NewNormalizer returns a Normalizer. Stateless; the zero value works.
func NewNormalizer() *Normalizer { return &Normalizer{} }

// Normalize substitutes placeholders and appends the footer. date is the
// request date used for the {{date}} placeholder; caseRef may be empty.
func (n *Normalizer) Normalize(content, jurisdiction, caseRef string, date time.Time) string {
	out := strings.TrimSpace(content)

	replacer := strings.NewReplacer(
		"{{jurisdiction}}", JurisdictionLabel(jurisdiction),
		"{{date}}", date.Format("January 2, 2006"),
		"{{case_ref}}", caseRefLabel(caseRef),
	)
	out = replacer.Replace(out)

	if !strings.Contains(out, disclaimerLine) {
		out += "\n\n" + disclaimerLine
	}
	if !strings.Contains(out, closingLine) {
		out += "\n" + closingLine
	}
	return out
}

func caseRefLabel(caseRef string) string {
	if caseRef == "" {
		return "the current matter"
	}
	return caseRef
}
