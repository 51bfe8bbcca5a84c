package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Condition is the parsed form of a template's condition JSON. All present
// clauses must hold for the template to match.
type Condition struct {
	Department *string  `json:"department,omitempty"`
	AmountMin  *float64 `json:"amount_min,omitempty"`
}

// ParseCondition parses a stored condition. Empty input means "always match".
// Unknown keys are ignored; a clause of the wrong type is an error.
func ParseCondition(raw string) (*Condition, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &Condition{}, nil
	}
	if !strings.HasPrefix(raw, "{") {
		return nil, fmt.Errorf("condition must be a JSON object")
	}

	cond := &Condition{}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(cond); err != nil {
		return nil, fmt.Errorf("invalid condition: %w", err)
	}
	if cond.Department != nil && *cond.Department == "" {
		cond.Department = nil
	}
	return cond, nil
}

// String renders the canonical JSON form.
func (c *Condition) String() string {
	if c == nil {
		return "{}"
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParseTemplateCondition fills t.Condition from t.ConditionJSON, leaving it
// nil when the stored text is malformed.
func ParseTemplateCondition(t *ApprovalTemplate) {
	cond, err := ParseCondition(t.ConditionJSON)
	if err != nil {
		t.Condition = nil
		return
	}
	t.Condition = cond
}
