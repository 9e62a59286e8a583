package types

// QueryRequest represents a single inference exchange payload.
type QueryRequest struct {
	// Optional system prompt prepended to the exchange.
	// example: You are a terse assistant.
	SystemPrompt string `json:"system_prompt,omitempty" example:"You are a terse assistant."`
	// Required user prompt to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Repeat penalty applied by llama-family engines.
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Presence penalty; positive values discourage reuse of seen tokens.
	// example: 0.2
	PresencePenalty float64 `json:"presence_penalty,omitempty" example:"0.2"`
	// Frequency penalty; positive values discourage frequent tokens.
	// example: 0.2
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty" example:"0.2"`
}

// QueryResult is the completed output of one inference exchange.
type QueryResult struct {
	// Generated text with end-of-generation markers stripped.
	// example: Salt wind over waves...
	Text string `json:"text" example:"Salt wind over waves..."`
	// Wall-clock duration of the exchange in milliseconds.
	// example: 1845
	DurationMs int64 `json:"duration_ms" example:"1845"`
	// Estimated prompt token count.
	// example: 24
	InputTokens int `json:"input_tokens" example:"24"`
	// Estimated completion token count.
	// example: 96
	OutputTokens int `json:"output_tokens" example:"96"`
	// True when output ended at end-of-stream without a marker.
	// example: false
	Truncated bool `json:"truncated,omitempty" example:"false"`
	// ID of the worker that served the exchange.
	// example: 9f6b2c44-6b1d-4f3a-9f1e-0c2d7a61b2a0
	WorkerID string `json:"worker_id,omitempty" example:"9f6b2c44-6b1d-4f3a-9f1e-0c2d7a61b2a0"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// PoolOccupancy reports pool counters for diagnosis on backpressure errors.
type PoolOccupancy struct {
	// Workers currently idle in the available set.
	// example: 0
	Available int `json:"available" example:"0"`
	// Workers currently checked out under a lease.
	// example: 4
	Leased int `json:"leased" example:"4"`
	// Workers alive in this generation (may dip during replacement).
	// example: 4
	Total int `json:"total" example:"4"`
	// Configured fleet ceiling.
	// example: 4
	Max int `json:"max" example:"4"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Pool occupancy at failure time; present on 429/503 responses.
	Pool *PoolOccupancy `json:"pool,omitempty"`
}

// WorkerStatus summarizes one pooled worker for /status.
type WorkerStatus struct {
	// Stable worker identifier.
	// example: 9f6b2c44-6b1d-4f3a-9f1e-0c2d7a61b2a0
	ID string `json:"id" example:"9f6b2c44-6b1d-4f3a-9f1e-0c2d7a61b2a0"`
	// Process ID of the inference engine.
	// example: 12345
	PID int `json:"pid" example:"12345"`
	// Current query state (idle, awaiting_response, timed_out, failed).
	// example: idle
	State string `json:"state" example:"idle"`
	// False once the worker has timed out or failed; never recovers.
	// example: true
	Healthy bool `json:"healthy" example:"true"`
	// Number of exchanges served by this worker.
	// example: 17
	Queries uint64 `json:"queries" example:"17"`
	// Time this worker's process was spawned (unix seconds).
	// example: 1700000000
	StartedUnix int64 `json:"started_unix" example:"1700000000"`
	// Resident set size of the engine process in MB, 0 when unknown.
	// example: 1200
	RSSMB int `json:"rss_mb,omitempty" example:"1200"`
}

// MemoryStatus reports host memory via gopsutil for /status.
type MemoryStatus struct {
	// Total physical memory in MB.
	// example: 32768
	TotalMB int `json:"total_mb" example:"32768"`
	// Memory available to new processes in MB.
	// example: 20480
	AvailableMB int `json:"available_mb" example:"20480"`
	// Used fraction of physical memory in percent.
	// example: 37.5
	UsedPercent float64 `json:"used_percent" example:"37.5"`
}

// SanityReport describes preflight checks of the engine dependencies.
type SanityReport struct {
	// True when the engine executable resolves on disk or PATH.
	// example: true
	EngineFound bool `json:"engine_found" example:"true"`
	// Resolved engine path when found.
	// example: /usr/local/bin/llama-cli
	EnginePath string `json:"engine_path,omitempty" example:"/usr/local/bin/llama-cli"`
	// True when the serving model file exists.
	// example: true
	ModelFound bool `json:"model_found" example:"true"`
	// First failed check, empty when everything passes.
	Error string `json:"error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall pool state (initializing, ready, reloading, closed, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Pool generation; bumped on every successful reload.
	// example: 2
	Generation uint64 `json:"generation" example:"2"`
	// Configured fleet ceiling.
	// example: 4
	MaxInstances int `json:"max_instances" example:"4"`
	// Workers alive right now (may dip below max during replacement).
	// example: 4
	TotalInstances int `json:"total_instances" example:"4"`
	// Workers idle in the available set.
	// example: 3
	AvailableCount int `json:"available_count" example:"3"`
	// Workers checked out under a lease.
	// example: 1
	LeasedCount int `json:"leased_count" example:"1"`
	// Per-worker detail.
	Workers []WorkerStatus `json:"workers"`
	// Model file served by the current generation.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Model string `json:"model" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Inference engine executable.
	// example: /usr/local/bin/llama-cli
	Executable string `json:"executable" example:"/usr/local/bin/llama-cli"`
	// Total worker spawns since daemon start (initial + replacements).
	// example: 9
	SpawnsTotal uint64 `json:"spawns_total" example:"9"`
	// Total background replacements since daemon start.
	// example: 2
	ReplacementsTotal uint64 `json:"replacements_total" example:"2"`
	// Host memory snapshot; omitted when probing fails.
	Memory *MemoryStatus `json:"memory,omitempty"`
	// Preflight check of the engine executable and model file.
	Sanity *SanityReport `json:"sanity,omitempty"`
	// Last error observed by the pool (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the daemon in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// ReloadRequest asks the daemon to hot-swap the fleet onto a new model.
type ReloadRequest struct {
	// Registry model ID or absolute path to a model file.
	// example: tinyllama-q4
	Model string `json:"model" example:"tinyllama-q4"`
	// Optional replacement engine executable; empty keeps the current one.
	// example: /usr/local/bin/llama-cli
	Executable string `json:"executable,omitempty" example:"/usr/local/bin/llama-cli"`
}

// ReloadResponse reports the outcome of a completed hot-swap.
type ReloadResponse struct {
	// Generation now serving requests.
	// example: 3
	Generation uint64 `json:"generation" example:"3"`
	// Workers that came up under the new generation.
	// example: 4
	TotalInstances int `json:"total_instances" example:"4"`
	// Wall-clock duration of the swap in milliseconds.
	// example: 5230
	DurationMs int64 `json:"duration_ms" example:"5230"`
}
