package core

import "strings"

// MissingPolicy decides what a supported token renders as when the recipient
// field is empty. Every call site must pick one explicitly; different
// producers may legitimately choose differently, but never implicitly.
type MissingPolicy struct {
	fallback string
}

// MissingEmpty substitutes the empty string for missing fields.
func MissingEmpty() MissingPolicy { return MissingPolicy{} }

// MissingFallback substitutes the given phrase for missing fields.
func MissingFallback(phrase string) MissingPolicy { return MissingPolicy{fallback: phrase} }

// Render substitutes every occurrence of the supported bracket tokens with
// the recipient's fields. Unknown tokens are left verbatim, so re-rendering
// an already-rendered string is a no-op.
func Render(template string, c Customer, policy MissingPolicy) string {
	value := func(v string) string {
		if v == "" {
			return policy.fallback
		}
		return v
	}
	r := strings.NewReplacer(
		"[FirstName]", value(c.FirstName),
		"[LastName]", value(c.LastName),
		"[FullName]", value(c.FullName()),
		"[PhoneNumber]", value(c.Phone),
		"[Email]", value(c.Email),
		"[Level]", value(c.Level),
	)
	return r.Replace(template)
}
