package api

// ScheduleRequest asks the engine whether one unit of work may proceed now.
// EstimatedSize is a positive size proxy for the unit of work, e.g. an
// expected token consumption estimate.
type ScheduleRequest struct {
	EstimatedSize float64 `json:"estimatedSize"`
}

// ScheduleResponse carries exactly one of Admit or Wait.
type ScheduleResponse struct {
	Admit *Admission `json:"admit,omitempty"`
	Wait  *WaitHint  `json:"wait,omitempty"`
}

// Admission grants the caller the right to invoke the named model backend once.
type Admission struct {
	ModelId string `json:"modelId"`
	TaskId  string `json:"taskId"`
}

// WaitHint tells the caller how long to sleep before calling schedule again.
// The value is already jittered; callers should respect it as-is.
type WaitHint struct {
	WaitMs int64 `json:"waitMs"`
}

// TaskRequest identifies an admitted unit of work by its lease handle.
type TaskRequest struct {
	TaskId string `json:"taskId"`
}

const ReasonNotFound = "not_found"

// Ack is the result of complete and heartbeat calls.
type Ack struct {
	Ok     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Advice is the backpressure advisory derived from recent scheduling outcomes.
type Advice struct {
	CongestionScore      float64 `json:"congestionScore"`
	SuggestedParallelism int     `json:"suggestedParallelism"`
}

// ModelConfig is the static per-model configuration. All fields are mutable
// at runtime; changes take effect on the next scheduling decision.
type ModelConfig struct {
	Name               string  `json:"name"`
	Weight             float64 `json:"weight"`
	MaxConcurrent      int64   `json:"maxConcurrent"`
	MaxTokensPerMinute float64 `json:"maxTokensPerMinute"`
}
