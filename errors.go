package jobboard

import "errors"

var (
	// Store errors.
	ErrStoreClosed = errors.New("jobboard: store closed")

	// Not found errors.
	ErrJobNotFound     = errors.New("jobboard: job not found")
	ErrItemNotFound    = errors.New("jobboard: catalog item not found")
	ErrVersionNotFound = errors.New("jobboard: catalog version not found")
	ErrBundleNotFound  = errors.New("jobboard: bundle not found")
	ErrSchemaNotFound  = errors.New("jobboard: schema not found")

	// Input errors.
	ErrMissingJobID     = errors.New("jobboard: missing job id")
	ErrUnknownTask      = errors.New("jobboard: unknown task")
	ErrInvalidManifest  = errors.New("jobboard: invalid manifest")
	ErrInvalidSchema    = errors.New("jobboard: invalid schema")
	ErrSchemaValidation = errors.New("jobboard: inputs failed schema validation")
	ErrRefConflict      = errors.New("jobboard: exactly one of version or branch is required")

	// State errors.
	ErrInvalidState     = errors.New("jobboard: invalid state transition")
	ErrRetryNotAllowed  = errors.New("jobboard: retry only allowed from FAILED or CANCELLED")
	ErrNoBackend        = errors.New("jobboard: no backend for task")
	ErrBackendFull      = errors.New("jobboard: backend queue full")
	ErrBackendStopped   = errors.New("jobboard: backend stopped")
	ErrLoaderNotFound   = errors.New("jobboard: no loader for catalog task")
	ErrEntrypointFailed = errors.New("jobboard: catalog task entrypoint failed")
)
