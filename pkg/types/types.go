package types

// ModelsResponse wraps the list of models returned by GET /api/worker/models.
type ModelsResponse struct {
	// List of available models.
	Models []ModelInfo `json:"models"`
}

// WorkerStatus summarizes a registered worker for /status.
type WorkerStatus struct {
	// Model this worker serves.
	// example: qwen2.5-7b-instruct
	Model string `json:"model" example:"qwen2.5-7b-instruct"`
	// local or remote.
	// example: local
	Kind string `json:"kind" example:"local"`
	// Current lifecycle state (loading, ready, draining, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Last time this worker served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Current queue length for incoming requests.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Number of in-flight requests currently being processed.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Effective context length.
	// example: 8192
	ContextLength int `json:"context_length,omitempty" example:"8192"`
	// Device the model runs on (cuda, mps, cpu) for local workers.
	// example: cuda
	Device string `json:"device,omitempty" example:"cuda"`
	// Remote address for remote workers.
	Address string `json:"address,omitempty"`
	// Last load or runtime error.
	Error string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Registered workers.
	Workers []WorkerStatus `json:"workers"`
	// Overall manager state (e.g., loading, ready, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total number of model loads.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Number of workers currently loading.
	// example: 1
	LoadingCount int `json:"loading_count" example:"1"`
	// Number of workers currently draining (unload in progress).
	// example: 0
	DrainingCount int `json:"draining_count" example:"0"`
}
