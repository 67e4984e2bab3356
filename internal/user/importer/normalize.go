// Package importer turns uploaded spreadsheets into new users.
package importer

import "strings"

// Field is a canonical import column.
type Field string

const (
	FieldName    Field = "name"
	FieldEmail   Field = "email"
	FieldDOB     Field = "dob"
	FieldAddress Field = "address"
)

// RequiredFields must all resolve to a column for a batch to be processed.
var RequiredFields = []Field{FieldName, FieldEmail, FieldDOB, FieldAddress}

var headerAliases = map[Field][]string{
	FieldName:    {"name", "first name"},
	FieldEmail:   {"email", "e-mail"},
	FieldDOB:     {"dob", "date of birth", "birth date"},
	FieldAddress: {"address"},
}

// NormalizeHeader trims and lower-cases a header for alias matching.
func NormalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// BuildFieldMap resolves each canonical field to the index of the first
// header, in header order, that matches one of its aliases. Fields with no
// matching header are absent from the map.
func BuildFieldMap(headers []string) map[Field]int {
	out := make(map[Field]int, len(headerAliases))
	for i, h := range headers {
		n := NormalizeHeader(h)
		for f, aliases := range headerAliases {
			if _, done := out[f]; done {
				continue
			}
			for _, a := range aliases {
				if n == a {
					out[f] = i
					break
				}
			}
		}
	}
	return out
}

// MissingFields lists required fields that fm does not resolve, in
// RequiredFields order.
func MissingFields(fm map[Field]int) []Field {
	var missing []Field
	for _, f := range RequiredFields {
		if _, ok := fm[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}
