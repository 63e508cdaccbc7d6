package memory

import "fmt"

// WrongTypeError mirrors Redis' WRONGTYPE reply: a field write hit a
// record still stored as a legacy blob.
type WrongTypeError struct {
	JobID string
}

func (e *WrongTypeError) Error() string {
	return fmt.Sprintf("memory: record %q holds a blob, drop it before writing fields", e.JobID)
}
