package submission

import "strings"

// The replacements never produce a character that is itself replaced, so a single pass gives the
// same result as applying them one after the other in this order.
var htmlEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// SanitizeText escapes the characters with a special meaning in HTML markup.
//
// "&" is left untouched, so the function is not idempotent: text must be sanitized exactly once.
func SanitizeText(s string) string {
	return htmlEscaper.Replace(s)
}

// Sanitize returns a copy of data with every string, including each multi-select option, escaped
// with SanitizeText. Answers of an unknown kind are copied verbatim.
func Sanitize(data ResponseData) ResponseData {
	if data == nil {
		return nil
	}

	out := make(ResponseData, len(data))
	for key, a := range data {
		switch a.Kind() {
		case KindText:
			out[key] = TextAnswer(SanitizeText(a.text))
		case KindChoices:
			choices := make([]string, len(a.choices))
			for i, c := range a.choices {
				choices[i] = SanitizeText(c)
			}
			out[key] = Answer{kind: KindChoices, choices: choices}
		default:
			out[key] = a
		}
	}
	return out
}
