package jobboard

import "github.com/xraph/jobboard/id"

// NewJobID returns a fresh job ID string.
func NewJobID() string { return id.NewJobID().String() }
