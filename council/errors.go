package council

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrSessionAborted indicates the session channel closed before the
// deliberation produced a terminal event.
var ErrSessionAborted = errors.New("session aborted")

// StageExhaustedError indicates every member call in a stage failed.
// Exhaustion of the opinion stage is fatal to the deliberation; exhaustion
// of the review stage degrades to synthesis without reviews.
type StageExhaustedError struct {
	Stage  Stage
	Causes map[string]error
}

func (e *StageExhaustedError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("all council members failed during %s: %s", e.Stage, strings.Join(names, ", "))
}

// IsStageExhausted reports whether err marks a fully failed stage.
func IsStageExhausted(err error) bool {
	var exhausted *StageExhaustedError
	return errors.As(err, &exhausted)
}
