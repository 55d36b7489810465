package ipc

// PingRequest checks daemon liveness.
type PingRequest struct{}

// PingResponse reports liveness.
type PingResponse struct {
	Pong bool `json:"pong"`
}

// StartRunRequest launches a pipeline run. Nil toggles keep the daemon's
// configured values.
type StartRunRequest struct {
	SkipCorrection *bool `json:"skip_correction,omitempty"`
	SkipTransfer   *bool `json:"skip_transfer,omitempty"`
}

// StartRunResponse reports whether a run was started.
type StartRunResponse struct {
	Started bool   `json:"started"`
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// StopRunRequest cancels the active pipeline run.
type StopRunRequest struct{}

// StopRunResponse reports the stop outcome.
type StopRunResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// PreflightResult mirrors one readiness check for display.
type PreflightResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// StatusResponse represents combined daemon and catalog status.
type StatusResponse struct {
	Running      bool              `json:"running"`
	RunID        string            `json:"run_id"`
	PID          int               `json:"pid"`
	CatalogPath  string            `json:"catalog_path"`
	LockPath     string            `json:"lock_path"`
	DatasetStats map[string]int    `json:"dataset_stats"`
	UnitStats    map[string]int    `json:"unit_stats"`
	Sessions     []SessionInfo     `json:"sessions"`
	Preflight    []PreflightResult `json:"preflight"`
	LastRunError string            `json:"last_run_error"`
}

// SessionInfo is the wire form of one stage session snapshot.
type SessionInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	WatchDir  string `json:"watch_dir"`
	OutputDir string `json:"output_dir"`
	LogPath   string `json:"log_path"`
	PID       int    `json:"pid"`
	Running   bool   `json:"running"`
	StartedAt string `json:"started_at"`
	Err       string `json:"err"`
}

// SessionsRequest lists stage sessions.
type SessionsRequest struct{}

// SessionsResponse contains session snapshots.
type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// KillSessionRequest tears down one session by name.
type KillSessionRequest struct {
	Name string `json:"name"`
}

// KillSessionResponse reports the kill outcome.
type KillSessionResponse struct {
	Killed bool `json:"killed"`
}

// KillAllSessionsRequest tears down every running session.
type KillAllSessionsRequest struct{}

// KillAllSessionsResponse reports how many sessions were signalled.
type KillAllSessionsResponse struct {
	Killed int `json:"killed"`
}

// DatasetSummary is the wire form of one catalog dataset.
type DatasetSummary struct {
	ID        int64  `json:"id"`
	Path      string `json:"path"`
	Title     string `json:"title"`
	Variant   string `json:"variant"`
	Status    string `json:"status"`
	DurableID string `json:"durable_id"`
	Error     string `json:"error"`
	UpdatedAt string `json:"updated_at"`
}

// DatasetsRequest filters dataset listing by status.
type DatasetsRequest struct {
	Statuses []string `json:"statuses"`
}

// DatasetsResponse contains dataset summaries.
type DatasetsResponse struct {
	Datasets []DatasetSummary `json:"datasets"`
}

// UnitSummary is the wire form of one catalog unit.
type UnitSummary struct {
	ID           int64  `json:"id"`
	DatasetID    int64  `json:"dataset_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	DenoiseState string `json:"denoise_state"`
	StackPath    string `json:"stack_path"`
	TomogramPath string `json:"tomogram_path"`
	ArchivedPath string `json:"archived_path"`
	Error        string `json:"error"`
	UpdatedAt    string `json:"updated_at"`
}

// UnitsRequest filters unit listing by status.
type UnitsRequest struct {
	Statuses []string `json:"statuses"`
}

// UnitsResponse contains unit summaries.
type UnitsResponse struct {
	Units []UnitSummary `json:"units"`
}

// RetryFailedRequest retries failed units. Empty list means all failed units.
type RetryFailedRequest struct {
	IDs []int64 `json:"ids"`
}

// RetryFailedResponse reports the number of retried units.
type RetryFailedResponse struct {
	Updated int64 `json:"updated"`
}

// LogTailRequest fetches log lines based on offset and follow semantics. An
// empty session name tails the daemon log.
type LogTailRequest struct {
	Session    string `json:"session"`
	Offset     int64  `json:"offset"`
	Limit      int    `json:"limit"`
	Follow     bool   `json:"follow"`
	WaitMillis int    `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports the notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
