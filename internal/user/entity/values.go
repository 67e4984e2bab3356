package entity

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used for dob everywhere.
const DateLayout = "2006-01-02"

var isoDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidDate reports whether s is YYYY-MM-DD and names a real calendar day.
func ValidDate(s string) bool {
	if !isoDate.MatchString(s) {
		return false
	}
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// JSONDoc is a nullable JSON document column (jsonb in Postgres).
type JSONDoc []byte

var errNotObject = errors.New("address must be a JSON object")

// ParseJSONObject accepts raw JSON that is an object, or a JSON string whose
// contents are an object (spreadsheet cells and form clients send both).
func ParseJSONObject(raw []byte) (JSONDoc, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errNotObject
		}
		raw = []byte(strings.TrimSpace(s))
	}
	var obj map[string]any
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errNotObject
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errNotObject
	}
	return JSONDoc(bytes.Clone(raw)), nil
}

func (d JSONDoc) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return string(d), nil
}

func (d *JSONDoc) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = JSONDoc(bytes.Clone(v))
	case string:
		*d = JSONDoc(v)
	default:
		return fmt.Errorf("jsondoc: cannot scan %T", src)
	}
	return nil
}

func (d JSONDoc) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return d, nil
}

func (d *JSONDoc) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*d = nil
		return nil
	}
	*d = JSONDoc(bytes.Clone(b))
	return nil
}
