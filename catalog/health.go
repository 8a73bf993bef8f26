package catalog

// Health states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Status reports ingestion health as a pure read over index state.
type Status struct {
	Status          string `json:"status"`
	Message         string `json:"message"`
	Records         int    `json:"record_count"`
	SnapshotPresent bool   `json:"snapshot_present"`
}

// Health returns ok when the index holds records; otherwise a degraded
// status distinguishing a missing snapshot file from a snapshot that was
// present but empty or malformed.
func (ix *Index) Health() Status {
	v := ix.view.Load()
	count := len(v.ordered)
	if count > 0 {
		return Status{
			Status:          StatusOK,
			Message:         "snapshot loaded",
			Records:         count,
			SnapshotPresent: true,
		}
	}

	switch v.state {
	case stateAbsent:
		return Status{
			Status:          StatusDegraded,
			Message:         "snapshot file absent",
			Records:         0,
			SnapshotPresent: false,
		}
	default:
		return Status{
			Status:          StatusDegraded,
			Message:         "snapshot present but empty or malformed",
			Records:         0,
			SnapshotPresent: true,
		}
	}
}
