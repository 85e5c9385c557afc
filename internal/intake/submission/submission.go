// Package submission holds the inbound survey response model, its schema validation and the
// escaping applied to free text before it is persisted.
package submission

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the shapes an Answer can take.
type Kind int

const (
	// KindText is a single string answer: single choice, short or open text.
	KindText Kind = iota + 1
	// KindChoices is a list of selected options from a multi-select question.
	KindChoices
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindChoices:
		return "choices"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Answer is the answer given to one question. It is either a single string or a list of strings.
//
// The zero value has no kind and encodes as JSON null.
type Answer struct {
	kind    Kind
	text    string
	choices []string
}

// TextAnswer returns a single string answer.
func TextAnswer(s string) Answer {
	return Answer{kind: KindText, text: s}
}

// ChoicesAnswer returns a multi-select answer. The given slice is copied.
func ChoicesAnswer(choices ...string) Answer {
	return Answer{kind: KindChoices, choices: append(make([]string, 0, len(choices)), choices...)}
}

// Kind returns which variant the answer holds.
func (a Answer) Kind() Kind {
	return a.kind
}

// Text returns the answer string. It is empty unless Kind is KindText.
func (a Answer) Text() string {
	return a.text
}

// Choices returns a copy of the selected options. It is nil unless Kind is KindChoices.
func (a Answer) Choices() []string {
	if a.kind != KindChoices {
		return nil
	}
	return append(make([]string, 0, len(a.choices)), a.choices...)
}

// MarshalJSON encodes the answer as a plain JSON string or array of strings.
func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.kind {
	case KindText:
		return json.Marshal(a.text)
	case KindChoices:
		if a.choices == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(a.choices)
	default:
		return []byte("null"), nil
	}
}

var errNotAnAnswer = errors.New("answer must be a string or an array of strings")

// UnmarshalJSON decodes a JSON string or array of strings. No size bound is applied here:
// untrusted input goes through Validate.
func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errNotAnAnswer
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = TextAnswer(s)
		return nil
	case '[':
		var ss []string
		if err := json.Unmarshal(data, &ss); err != nil {
			return errors.Join(errNotAnAnswer, err)
		}
		*a = ChoicesAnswer(ss...)
		return nil
	default:
		return errNotAnAnswer
	}
}

// ResponseData maps a question identifier to the answer given to it.
type ResponseData map[string]Answer

// Submission is one respondent's validated answer set for one survey.
type Submission struct {
	SurveyID     string
	ResponseData ResponseData
	UserAgent    *string
}
