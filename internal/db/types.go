package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap stores an arbitrary JSON object in a single text column, used for
// Job.Inputs, Schedule.Inputs, Robot.Metrics, JobHistory.EventData and
// similar loosely-structured fields the core treats as opaque per §1's
// non-goals (it never interprets workflow semantics).
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("db: marshaling JSONMap: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("db: JSONMap.Scan: expected string or []byte, got %T", value)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("db: unmarshaling JSONMap: %w", err)
	}
	*m = out
	return nil
}

// StringSet stores a set of strings (robot capabilities, tags, required
// capabilities) as a JSON array in a single text column. Order is not
// significant; membership is tested with Contains/ContainsAll.
type StringSet []string

// Value implements driver.Valuer.
func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("db: marshaling StringSet: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *StringSet) Scan(value any) error {
	if value == nil {
		*s = StringSet{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("db: StringSet.Scan: expected string or []byte, got %T", value)
	}
	if len(raw) == 0 {
		*s = StringSet{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("db: unmarshaling StringSet: %w", err)
	}
	*s = out
	return nil
}

// ContainsAll reports whether every element of required is present in s —
// the capability subset test from §4.2: required ⊆ robot.capabilities.
func (s StringSet) ContainsAll(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(s))
	for _, v := range s {
		have[v] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}
