package council

// Stage identifies one phase of the deliberation pipeline.
type Stage string

const (
	// StageOpinions is the initial fan-out where every member answers the query.
	StageOpinions Stage = "stage1"
	// StageReviews is the anonymized peer-review pass.
	StageReviews Stage = "stage2"
	// StageSynthesis is the chairman's final synthesis.
	StageSynthesis Stage = "stage3"
)

// EventType discriminates outward session events.
type EventType string

const (
	// EventProgress carries a stage-tagged status message.
	EventProgress EventType = "progress"
	// EventResult carries the final Result. Terminal.
	EventResult EventType = "result"
	// EventError carries a human-readable failure message. Terminal.
	EventError EventType = "error"
)

// Event is one outward notification from a running deliberation. Events
// marshal directly to the session wire format.
type Event struct {
	Type    EventType `json:"type"`
	Stage   Stage     `json:"stage,omitempty"`
	Message string    `json:"message,omitempty"`
	Data    *Result   `json:"data,omitempty"`
}

// Opinion is one member's independent answer to the query.
type Opinion struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// Review is one member's critique of the full anonymized opinion set.
type Review struct {
	Model  string `json:"model"`
	Review string `json:"review"`
}

// Result is the complete outcome of one deliberation. Immutable once emitted.
type Result struct {
	Query    string    `json:"query"`
	Opinions []Opinion `json:"stage1_responses"`
	Reviews  []Review  `json:"stage2_reviews"`
	Final    string    `json:"stage3_final"`
}
