// Package privacy redacts personal identifiers and credentials from text that leaves the pipeline,
// such as finding excerpts and event payloads.
package privacy

import (
	"regexp"
	"strings"
)

// Kind names a class of sensitive data.
type Kind string

const (
	KindCPF    Kind = "cpf"
	KindCNPJ   Kind = "cnpj"
	KindEmail  Kind = "email"
	KindPhone  Kind = "phone"
	KindSecret Kind = "secret"
)

type pattern struct {
	re   *regexp.Regexp
	kind Kind
}

// patterns are applied in order; CNPJ runs before CPF so a CNPJ is not half-matched as a CPF.
var patterns = []pattern{
	// CNPJ: 00.000.000/0000-00 or 14 bare digits
	{kind: KindCNPJ, re: regexp.MustCompile(`\b\d{2}\.\d{3}\.\d{3}/\d{4}-\d{2}\b|\b\d{14}\b`)},

	// CPF: 000.000.000-00 or 11 bare digits
	{kind: KindCPF, re: regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b|\b\d{11}\b`)},

	{kind: KindEmail, re: regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)},

	// Brazilian phone numbers: (61) 99999-9999, +55 61 3333-4444
	{kind: KindPhone, re: regexp.MustCompile(`(?:\+55\s?)?\(?\b\d{2}\)?\s?9?\d{4}-\d{4}\b`)},

	// Credentials pasted into documents
	{kind: KindSecret, re: regexp.MustCompile(`(?i)(password|senha|api[_-]?key|token)\s*[:=]\s*['"]?[^\s'"]{6,}['"]?`)},
	{kind: KindSecret, re: regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]{20,}`)},
}

// Detect returns the kinds of sensitive data present in text, without duplicates.
func Detect(text string) []Kind {
	if text == "" {
		return nil
	}
	var found []Kind
	seen := map[Kind]bool{}
	for _, p := range patterns {
		if seen[p.kind] {
			continue
		}
		if p.re.MatchString(text) {
			seen[p.kind] = true
			found = append(found, p.kind)
		}
	}
	return found
}

// ContainsPersonalData reports whether text contains any sensitive data.
func ContainsPersonalData(text string) bool {
	return len(Detect(text)) > 0
}

// Redact replaces sensitive data with a "[kind]" marker. Credential assignments keep their key name.
func Redact(text string) string {
	if text == "" {
		return text
	}

	result := text
	for _, p := range patterns {
		marker := "[" + strings.ToUpper(string(p.kind)) + "]"
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			if p.kind != KindSecret {
				return marker
			}
			if idx := strings.IndexAny(match, ":="); idx != -1 {
				return match[:idx+1] + " " + marker
			}
			return marker
		})
	}
	return result
}
