package submission

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Size bounds, counted in Unicode code points.
const (
	// MaxTextLength bounds any single string answer. Short answers and open text share this
	// ceiling since the question type of a key is unknown here.
	MaxTextLength = 5000
	// MaxChoiceLength bounds each option of a multi-select answer.
	MaxChoiceLength = 500
	// MaxChoices bounds the number of options of a multi-select answer.
	MaxChoices = 50
	// MaxUserAgentLength bounds the informational user agent.
	MaxUserAgentLength = 500
)

// Field names of the submission payload.
const (
	FieldSurveyID     = "survey_id"
	FieldResponseData = "response_data"
	FieldUserAgent    = "user_agent"
)

// FieldError describes why a single field of the payload was rejected.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a payload.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		if d.Field == "" {
			parts = append(parts, d.Message)
			continue
		}
		parts = append(parts, d.Field+": "+d.Message)
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

type validation struct {
	details []FieldError
}

func (v *validation) fail(field, format string, args ...any) {
	v.details = append(v.details, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate parses a raw request body and checks it against the submission schema.
//
// All field errors are collected. On failure the returned error is a *ValidationError and the
// Submission is the zero value.
func Validate(body []byte) (Submission, error) {
	var v validation

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		v.fail("", "Invalid JSON: %v", err)
		return Submission{}, &ValidationError{Details: v.details}
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		v.fail("", "Expected object, received %s", typeName(raw))
		return Submission{}, &ValidationError{Details: v.details}
	}

	s := Submission{
		SurveyID:     v.surveyID(obj),
		ResponseData: v.responseData(obj),
		UserAgent:    v.userAgent(obj),
	}
	if len(v.details) > 0 {
		return Submission{}, &ValidationError{Details: v.details}
	}
	return s, nil
}

func (v *validation) surveyID(obj map[string]any) string {
	raw, ok := obj[FieldSurveyID]
	if !ok {
		v.fail(FieldSurveyID, "Required")
		return ""
	}
	id, ok := raw.(string)
	if !ok {
		v.fail(FieldSurveyID, "Expected string, received %s", typeName(raw))
		return ""
	}
	// Only the hyphenated 8-4-4-4-12 form is accepted. uuid.Parse also takes the urn, braced
	// and bare hex forms.
	u, err := uuid.Parse(id)
	if len(id) != 36 || err != nil {
		v.fail(FieldSurveyID, "Invalid uuid")
		return ""
	}
	return u.String()
}

func (v *validation) responseData(obj map[string]any) ResponseData {
	raw, ok := obj[FieldResponseData]
	if !ok {
		v.fail(FieldResponseData, "Required")
		return nil
	}
	answers, ok := raw.(map[string]any)
	if !ok {
		v.fail(FieldResponseData, "Expected object, received %s", typeName(raw))
		return nil
	}

	data := make(ResponseData, len(answers))
	for _, key := range slices.Sorted(maps.Keys(answers)) {
		if a, ok := v.answer(FieldResponseData+"."+key, answers[key]); ok {
			data[key] = a
		}
	}
	return data
}

func (v *validation) answer(field string, raw any) (Answer, bool) {
	switch val := raw.(type) {
	case string:
		if utf8.RuneCountInString(val) > MaxTextLength {
			v.fail(field, "String must contain at most %d character(s)", MaxTextLength)
			return Answer{}, false
		}
		return TextAnswer(val), true

	case []any:
		valid := true
		if len(val) > MaxChoices {
			v.fail(field, "Array must contain at most %d element(s)", MaxChoices)
			valid = false
		}
		choices := make([]string, 0, len(val))
		for i, item := range val {
			itemField := field + "." + strconv.Itoa(i)
			s, ok := item.(string)
			if !ok {
				v.fail(itemField, "Expected string, received %s", typeName(item))
				valid = false
				continue
			}
			if utf8.RuneCountInString(s) > MaxChoiceLength {
				v.fail(itemField, "String must contain at most %d character(s)", MaxChoiceLength)
				valid = false
				continue
			}
			choices = append(choices, s)
		}
		if !valid {
			return Answer{}, false
		}
		return ChoicesAnswer(choices...), true

	default:
		v.fail(field, "Expected string or array of strings, received %s", typeName(raw))
		return Answer{}, false
	}
}

func (v *validation) userAgent(obj map[string]any) *string {
	raw, ok := obj[FieldUserAgent]
	if !ok {
		return nil
	}
	ua, ok := raw.(string)
	if !ok {
		v.fail(FieldUserAgent, "Expected string, received %s", typeName(raw))
		return nil
	}
	if utf8.RuneCountInString(ua) > MaxUserAgentLength {
		v.fail(FieldUserAgent, "String must contain at most %d character(s)", MaxUserAgentLength)
		return nil
	}
	return &ua
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
