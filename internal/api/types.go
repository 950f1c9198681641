package api

// EnvResponse describes the host the server runs on.
type EnvResponse struct {
	Version string   `json:"version"`
	Workers int      `json:"workers"`
	AVX2    bool     `json:"avx2"`
	DTypes  []string `json:"dtypes"`
}

// KindInfo is one dispatchable (engine, optimizer, dtype) combination.
type KindInfo struct {
	Engine string `json:"engine"`
	Kind   string `json:"kind"`
	DType  string `json:"dtype"`
}

// RunRequest starts a benchmark run. Kind is "quantize" or "optimizer".
// Omitted fields take defaults: float32, blocksize 4096, adam, 32 bits,
// blockwise state, 10 steps.
type RunRequest struct {
	Kind      string `json:"kind"`
	Elems     int    `json:"elems"`
	DType     string `json:"dtype,omitempty"`
	Blocksize int    `json:"blocksize,omitempty"`
	Optimizer string `json:"optimizer,omitempty"`
	Bits      int    `json:"bits,omitempty"`
	Blockwise *bool  `json:"block_wise,omitempty"`
	Steps     int    `json:"steps,omitempty"`
}

// Run is the tracked state of one benchmark run.
type Run struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	CreatedAt  int64      `json:"created_at"`
	FinishedAt *int64     `json:"finished_at,omitempty"`
	Request    RunRequest `json:"request"`
	Result     *RunResult `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

const (
	runRunning   = "running"
	runCompleted = "completed"
	runFailed    = "failed"
)

// RunResult carries the measurements of a finished run.
type RunResult struct {
	Seconds     float64 `json:"seconds"`
	ElemsPerSec float64 `json:"elems_per_sec,omitempty"`
	StepsPerSec float64 `json:"steps_per_sec,omitempty"`
	MaxRelErr   float64 `json:"max_rel_err,omitempty"`
	OptimizerID string  `json:"optimizer_id,omitempty"`
}

// APIError is the uniform error body.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
