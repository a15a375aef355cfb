package logging

import "time"

// #region decision-entry
// DecisionEntry is one row of the decision_log table: the plateau or
// checkpoint action taken at the end of an epoch, and why.
type DecisionEntry struct {
	RunID       string
	VersionID   string
	Epoch       int
	Mode        string
	Decision    string
	Reason      string
	MetricsJSON string
	CreatedAt   time.Time
}
// #endregion decision-entry
