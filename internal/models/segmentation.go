package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSegmentation is returned for segmentation configs that fail validation
var ErrInvalidSegmentation = errors.New("invalid segmentation")

// RuleType is one of the closed set of segmentation predicates
type RuleType string

const (
	RuleAll            RuleType = "all"
	RuleRegisteredOnly RuleType = "registered_only"
	RuleInvitedOnly    RuleType = "invited_only"
	RuleVIPOnly        RuleType = "vip_only"
	RuleCompany        RuleType = "company"
	RuleLanguage       RuleType = "language"
)

// Parametrized reports whether the rule requires a values list
func (t RuleType) Parametrized() bool {
	return t == RuleCompany || t == RuleLanguage
}

func (t RuleType) known() bool {
	switch t {
	case RuleAll, RuleRegisteredOnly, RuleInvitedOnly, RuleVIPOnly, RuleCompany, RuleLanguage:
		return true
	}
	return false
}

// Rule is a single segmentation predicate
type Rule struct {
	Type   RuleType `json:"type"`
	Values []string `json:"values,omitempty"`
}

// Segmentation is an ordered, conjunctive rule set
type Segmentation struct {
	Rules []Rule `json:"rules"`
}

// ParseSegmentation decodes and validates a serialized rule set.
// Unknown fields are rejected.
func ParseSegmentation(data []byte) (Segmentation, error) {
	var s Segmentation
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Segmentation{}, fmt.Errorf("%w: %v", ErrInvalidSegmentation, err)
	}
	if err := s.Validate(); err != nil {
		return Segmentation{}, err
	}
	s.normalize()
	return s, nil
}

// Validate checks the rule set against the rule vocabulary
func (s Segmentation) Validate() error {
	if len(s.Rules) == 0 {
		return fmt.Errorf("%w: at least one rule is required", ErrInvalidSegmentation)
	}
	for i, r := range s.Rules {
		if !r.Type.known() {
			return fmt.Errorf("%w: rule %d: unknown type %q", ErrInvalidSegmentation, i, r.Type)
		}
		if r.Type.Parametrized() && len(r.Values) == 0 {
			return fmt.Errorf("%w: rule %d: %s requires values", ErrInvalidSegmentation, i, r.Type)
		}
		if !r.Type.Parametrized() && len(r.Values) > 0 {
			return fmt.Errorf("%w: rule %d: %s takes no values", ErrInvalidSegmentation, i, r.Type)
		}
		for _, v := range r.Values {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%w: rule %d: empty value", ErrInvalidSegmentation, i)
			}
			if r.Type == RuleLanguage && len(strings.TrimSpace(v)) != 2 {
				return fmt.Errorf("%w: rule %d: language %q is not a two-letter code", ErrInvalidSegmentation, i, v)
			}
		}
	}
	return nil
}

// normalize lowercases language codes; company names stay case-sensitive
func (s *Segmentation) normalize() {
	for i := range s.Rules {
		if s.Rules[i].Type != RuleLanguage {
			continue
		}
		for j, v := range s.Rules[i].Values {
			s.Rules[i].Values[j] = strings.ToLower(strings.TrimSpace(v))
		}
	}
}

// Value implements driver.Valuer
func (s Segmentation) Value() (driver.Value, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (s *Segmentation) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = Segmentation{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported segmentation source %T", src)
	}
	if len(data) == 0 {
		*s = Segmentation{}
		return nil
	}
	return json.Unmarshal(data, s)
}

// IsZero reports whether no rules are set
func (s Segmentation) IsZero() bool {
	return len(s.Rules) == 0
}
