package snapshot

import "time"

const timestampLayout = "20060102T150405"

func defaultTimestamp() string {
	return time.Now().UTC().Format(timestampLayout)
}

// folderTimestamp extracts the "YYYYMMDDThhmmss" prefix from a
// "<ts>-<session_id>" folder name.
func folderTimestamp(folder string) string {
	if len(folder) < len(timestampLayout) {
		return ""
	}
	return folder[:len(timestampLayout)]
}

// cutoffTimestamp returns the timestamp string maxAgeDays before now,
// comparable lexically against folderTimestamp's output because both use
// the fixed-width YYYYMMDDThhmmss layout (spec.md §4.6 "lexical
// comparison").
func cutoffTimestamp(now string, maxAgeDays int) string {
	t, err := time.Parse(timestampLayout, now)
	if err != nil {
		t = time.Now().UTC()
	}
	return t.AddDate(0, 0, -maxAgeDays).Format(timestampLayout)
}
