package store

import (
	"fmt"
	"strings"
	"time"
)

// looseTime scans timestamps written by either driver, or by hand into the
// hosted table. NULL and unparsable values scan as the zero time so a single
// bad row does not fail a whole listing; callers treat zero as missing.
type looseTime time.Time

var looseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func (t *looseTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = looseTime{}
	case time.Time:
		*t = looseTime(v.UTC())
	case string:
		*t = looseTime(parseLoose(v))
	case []byte:
		*t = looseTime(parseLoose(string(v)))
	case int64:
		*t = looseTime(time.Unix(v, 0).UTC())
	default:
		return fmt.Errorf("scan time: unsupported type %T", src)
	}
	return nil
}

func parseLoose(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range looseLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
