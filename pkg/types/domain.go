package types

// ModelInfo describes a model served by a worker.
type ModelInfo struct {
	// Model name used in requests.
	// example: qwen2.5-7b-instruct
	Name string `json:"name" example:"qwen2.5-7b-instruct"`
	// Backend provider (llama.cpp, llama.cpp.server, proxy/openai, remote).
	// example: llama.cpp
	Provider string `json:"provider" example:"llama.cpp"`
	// Path to weights on disk, empty for proxies and remote workers.
	Path string `json:"path,omitempty"`
	// Worker kind: local or remote.
	// example: local
	Worker string `json:"worker" example:"local"`
}

// GPUInfo is a memory observation for one device. Memory values are in GiB.
type GPUInfo struct {
	ID              int     `json:"id"`
	Name            string  `json:"name,omitempty"`
	TotalMemory     float64 `json:"total_memory_gb,omitempty"`
	AllocatedMemory float64 `json:"allocated_memory_gb"`
	CachedMemory    float64 `json:"cached_memory_gb,omitempty"`
	AvailableMemory float64 `json:"available_memory_gb,omitempty"`
}

// InferenceMetrics tracks timing and throughput of one generation.
// Times are unix milliseconds.
type InferenceMetrics struct {
	StartTimeMs           int64     `json:"start_time_ms"`
	CurrentTimeMs         int64     `json:"current_time_ms"`
	FirstCompletionTimeMs *int64    `json:"first_completion_time_ms,omitempty"`
	FirstTokenTimeMs      *int64    `json:"first_token_time_ms,omitempty"`
	FirstCompletionTokens *int      `json:"first_completion_tokens,omitempty"`
	PromptTokens          int       `json:"prompt_tokens"`
	CompletionTokens      int       `json:"completion_tokens"`
	TotalTokens           int       `json:"total_tokens"`
	SpeedPerSecond        float64   `json:"speed_per_second"`
	CollectIndex          int       `json:"collect_index"`
	GPUSampleCount        int       `json:"gpu_sample_count,omitempty"`
	CurrentGPUInfos       []GPUInfo `json:"current_gpu_infos,omitempty"`
	AvgGPUInfos           []GPUInfo `json:"avg_gpu_infos,omitempty"`
}
