package runtime

// AnomalyClassification describes side effects of an external mutation that
// fall outside its declared scope. Tracked anomalies block publish; untracked
// anomalies are warning-only.
type AnomalyClassification struct {
	Tracked   []string `json:"tracked"`
	Untracked []string `json:"untracked"`
}

// TxnResult is the Mutation Transaction Client's commit result, consumed as
// an opaque record. The kernel never mutates managed artifacts itself; it
// only records this result and derives publish permission from it.
type TxnResult struct {
	Status           string                `json:"status"`
	ProceedToPublish bool                  `json:"proceed_to_publish"`
	CommitID         string                `json:"commit_id"`
	Anomalies        AnomalyClassification `json:"anomaly_classification"`
}

// PushBlocking reports whether the result must block publish regardless of
// any station's own status: any tracked anomaly does.
func (t *TxnResult) PushBlocking() bool {
	return t != nil && len(t.Anomalies.Tracked) > 0
}

// WarningOnly reports whether the anomalies are untracked-only.
func (t *TxnResult) WarningOnly() bool {
	return t != nil && len(t.Anomalies.Tracked) == 0 && len(t.Anomalies.Untracked) > 0
}
