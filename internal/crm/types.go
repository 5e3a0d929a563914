package crm

import (
	"encoding/json"
	"strconv"
	"strings"
)

// FlexString accepts fields the CRM serializes inconsistently: the same field
// arrives as "151", 151 or 151.0 depending on the record. Everything is kept
// as its canonical string form.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	// Render integral floats without the fraction so "151.0" matches "151".
	if i, err := n.Int64(); err == nil {
		*f = FlexString(strconv.FormatInt(i, 10))
		return nil
	}
	if v, err := n.Float64(); err == nil && v == float64(int64(v)) {
		*f = FlexString(strconv.FormatInt(int64(v), 10))
		return nil
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

func (f FlexString) IsZero() bool { return f == "" }
