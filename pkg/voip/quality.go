package voip

// QualityEntry is one phone's outcome in the published phone_quality
// document, grounded on the original phone_quality_monitor.c's
// write_quality_json listing every tested phone by number and IP.
type QualityEntry struct {
	Number string `json:"number"`
	IP     string `json:"ip"`
	Result
}

// BuildQualityReport pairs users with their RunCycle result, in
// registration order, skipping any user the cycle never reached (e.g.
// a cycle cut short by context cancellation).
func BuildQualityReport(users []RegisteredUser, results map[string]Result) []QualityEntry {
	report := make([]QualityEntry, 0, len(users))
	for _, u := range users {
		r, ok := results[u.Number]
		if !ok {
			continue
		}
		report = append(report, QualityEntry{Number: u.Number, IP: u.IP, Result: r})
	}
	return report
}
