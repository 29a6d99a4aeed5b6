package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/thebtf/docreview/internal/privacy"
	"github.com/thebtf/docreview/pkg/models"
)

const (
	// ExcerptLength bounds the excerpt attached to a PRESENT finding.
	ExcerptLength = 120

	// excerptLead is how much context precedes the match.
	excerptLead = 40
)

// Evaluation is the outcome of running a rule set over one document.
type Evaluation struct {
	Findings       []models.Finding
	Errors         []error
	RulesEvaluated int
	RulesSkipped   int
}

// Evaluator applies rules to document text. It is safe for concurrent use; compiled
// regexes are cached by expression.
type Evaluator struct {
	log     zerolog.Logger
	regexes sync.Map // expr -> *regexp.Regexp
	newID   func() string
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		log:   logger.With().Str("component", "evaluator").Logger(),
		newID: func() string { return uuid.New().String() },
	}
}

// compile returns the cached compiled form of expr.
func (e *Evaluator) compile(expr string) (*regexp.Regexp, error) {
	if re, ok := e.regexes.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := models.CompilePattern(expr)
	if err != nil {
		return nil, err
	}
	actual, _ := e.regexes.LoadOrStore(expr, re)
	return actual.(*regexp.Regexp), nil
}

// match is the first location where a predicate held.
type match struct {
	start, end int
	ok         bool
	lowered    bool // offsets refer to the lowercased text
}

// Evaluate runs every rule over text. A rule that cannot be evaluated is skipped and
// reported in Errors as a *models.RuleError; the others still run.
func (e *Evaluator) Evaluate(text string, rules []models.AnalysisRule) Evaluation {
	lower := strings.ToLower(text)
	ev := Evaluation{Findings: []models.Finding{}}

	for _, rule := range rules {
		m, err := e.holds(rule.Predicate, text, lower)
		if err != nil {
			rerr := &models.RuleError{RuleID: rule.ID, Err: err}
			e.log.Warn().Err(err).Str("rule_id", rule.ID).Int("version", rule.Version).Msg("Skipping rule")
			ev.Errors = append(ev.Errors, rerr)
			ev.RulesSkipped++
			continue
		}
		ev.RulesEvaluated++

		fireOn := rule.FireOn
		if fireOn == "" {
			fireOn = models.FireOnAbsent
		}

		switch {
		case fireOn == models.FireOnAbsent && !m.ok:
			ev.Findings = append(ev.Findings, e.finding(rule, models.LocationDocument, ""))
		case fireOn == models.FireOnPresent && m.ok:
			loc := fmt.Sprintf("offset %d-%d", m.start, m.end)
			src := text
			if m.lowered && len(lower) != len(text) {
				src = lower
			}
			ev.Findings = append(ev.Findings, e.finding(rule, loc, excerpt(src, m.start, m.end)))
		}
	}
	return ev
}

func (e *Evaluator) holds(p models.Predicate, text, lower string) (match, error) {
	switch p := p.(type) {
	case models.KeywordAny:
		if len(p.Keywords) == 0 {
			return match{}, fmt.Errorf("no keywords")
		}
		for _, k := range p.Keywords {
			k = strings.ToLower(k)
			if i := strings.Index(lower, k); i >= 0 {
				return match{start: i, end: i + len(k), ok: true, lowered: true}, nil
			}
		}
		return match{}, nil

	case models.KeywordAll:
		if len(p.Keywords) == 0 {
			return match{}, fmt.Errorf("no keywords")
		}
		first := match{ok: true, lowered: true, start: -1}
		for _, k := range p.Keywords {
			k = strings.ToLower(k)
			i := strings.Index(lower, k)
			if i < 0 {
				return match{}, nil
			}
			if first.start < 0 || i < first.start {
				first.start, first.end = i, i+len(k)
			}
		}
		return first, nil

	case models.Pattern:
		re, err := e.compile(p.Expr)
		if err != nil {
			return match{}, fmt.Errorf("invalid pattern: %w", err)
		}
		loc := re.FindStringIndex(text)
		if loc == nil {
			return match{}, nil
		}
		return match{start: loc[0], end: loc[1], ok: true}, nil

	case nil:
		return match{}, fmt.Errorf("rule has no predicate")
	default:
		return match{}, fmt.Errorf("unsupported predicate %T", p)
	}
}

func (e *Evaluator) finding(rule models.AnalysisRule, location, excerpt string) models.Finding {
	desc := rule.Description
	if desc == "" {
		desc = rule.Name
	}
	return models.Finding{
		ID:          e.newID(),
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		Category:    rule.Category,
		Dimension:   rule.Category.Dimension(),
		Severity:    rule.Severity,
		ProblemKind: rule.ProblemKind,
		Description: desc,
		Location:    location,
		Excerpt:     excerpt,
		Suggestion:  rule.Suggestion,
	}
}

// excerpt returns up to ExcerptLength bytes around [start, end), on rune boundaries,
// with whitespace collapsed and personal data redacted.
func excerpt(src string, start, end int) string {
	if start < 0 || end > len(src) || start > end {
		return ""
	}

	from := max(0, start-excerptLead)
	to := min(len(src), from+ExcerptLength)
	if to < end {
		to = min(len(src), end)
	}
	for from > 0 && !utf8.RuneStart(src[from]) {
		from--
	}
	for to < len(src) && !utf8.RuneStart(src[to]) {
		to--
	}

	out := strings.Join(strings.Fields(src[from:to]), " ")
	return privacy.Redact(out)
}

// TestPattern reports whether pattern matches sample using evaluation semantics.
// An invalid pattern returns false and the compile error.
func (e *Evaluator) TestPattern(pattern, sample string) (bool, error) {
	re, err := e.compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(sample), nil
}
