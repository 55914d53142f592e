package store

import "time"

// toMillis/fromMillis implement spec §6's "all timestamps stored as
// millisecond Unix epochs (i64)" rule.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
