package importer

import (
	"math"
	"strings"
	"time"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/entity"
)

const (
	// excelUnixEpoch is the serial of 1970-01-01 in the 1900 date system.
	excelUnixEpoch = 25569
	// excelMaxSerial is 9999-12-31.
	excelMaxSerial = 2958465
)

// SerialToDate converts a spreadsheet date serial to YYYY-MM-DD (UTC).
// Any fractional time-of-day part is dropped.
func SerialToDate(serial float64) (string, bool) {
	if math.IsNaN(serial) || serial < 1 || serial >= excelMaxSerial+1 {
		return "", false
	}
	days := int64(math.Floor(serial - excelUnixEpoch))
	return time.Unix(days*86400, 0).UTC().Format(entity.DateLayout), true
}

// parseDOB accepts a date serial or a literal YYYY-MM-DD. An empty cell
// yields nil with ok set.
func parseDOB(c Cell) (dob *string, ok bool) {
	if c.Numeric {
		s, ok := SerialToDate(c.Number)
		if !ok {
			return nil, false
		}
		return &s, true
	}
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return nil, true
	}
	if !entity.ValidDate(text) {
		return nil, false
	}
	return &text, true
}
