package detect

import "fmt"

// LoadError means the engine could not get its models ready. Detection must
// not start while it is unresolved.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("detection models not loaded: %v", e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
func (e *LoadError) Cause() error  { return e.Err }

// DetectionError is a failed detection pass. Callers treat it as an empty
// Result.
type DetectionError struct {
	Err error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection failed: %v", e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }
func (e *DetectionError) Cause() error  { return e.Err }
