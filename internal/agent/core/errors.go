package core

import "fmt"

// Stage names the conceptual phase of a request cycle. Stage errors are the
// user-visible failure surface: they name the phase without leaking store
// credentials or internal detail.
type Stage string

const (
	StageClassification  Stage = "classification"
	StageContextAssembly Stage = "context assembly"
	StageGeneration      Stage = "generation"
	StagePersistence     Stage = "persistence"
)

// StageError wraps a failure with the stage it happened in. The cause is
// preserved for logs; callers render only the stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}
