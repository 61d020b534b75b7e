// Package redact removes direct identifiers from free text before it leaves
// the intake boundary.
package redact

import (
	"regexp"
)

const (
	EmailToken  = "[REDACTED_EMAIL]"
	LinkToken   = "[REDACTED_LINK]"
	PhoneToken  = "[REDACTED_PHONE]"
	PersonToken = "[REDACTED_PERSON]"
)

// Category names one class of identifier the redactor replaces.
type Category string

const (
	CategoryEmail  Category = "email"
	CategoryLink   Category = "link"
	CategoryPhone  Category = "phone"
	CategoryPerson Category = "person"
)

type rule struct {
	category Category
	pattern  *regexp.Regexp
	replace  func(match string, re *regexp.Regexp) string
}

// Rules run in this order. Emails go first so the link rule never sees a
// mailto-style address, and names go last so a greeting inside a URL is
// already gone.
var rules = []rule{
	{
		category: CategoryEmail,
		pattern:  regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		replace:  constant(EmailToken),
	},
	{
		category: CategoryLink,
		pattern:  regexp.MustCompile(`https?://[^\s]+`),
		replace:  constant(LinkToken),
	},
	{
		category: CategoryPhone,
		pattern:  regexp.MustCompile(`\+?(?:\d[\s-]?){8,15}\d`),
		replace:  constant(PhoneToken),
	},
	{
		category: CategoryPerson,
		pattern:  regexp.MustCompile(`\b(Hi|Hello|Dear|Sincerely|Thanks,)\s+[A-Z][a-z]+`),
		replace: func(match string, re *regexp.Regexp) string {
			return re.ReplaceAllString(match, "$1 "+PersonToken)
		},
	},
}

func constant(token string) func(string, *regexp.Regexp) string {
	return func(string, *regexp.Regexp) string { return token }
}

// Text returns text with every email, URL, phone number and salutation name
// replaced by its placeholder token. Tokens never match a rule, so running
// Text on its own output is a no-op.
func Text(text string) string {
	out, _ := Report(text)
	return out
}

// Report is Text plus the number of replacements made per category.
func Report(text string) (string, map[Category]int) {
	counts := make(map[Category]int)
	for _, r := range rules {
		r := r
		text = r.pattern.ReplaceAllStringFunc(text, func(match string) string {
			counts[r.category]++
			return r.replace(match, r.pattern)
		})
	}
	return text, counts
}
