package jobboard

import "context"

type ctxKey int

const (
	jobIDKey ctxKey = iota
	userIDKey
)

// WithJobID returns a context carrying the ID of the job being executed.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobIDFrom returns the job ID stored by WithJobID, or "".
func JobIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(jobIDKey).(string) //nolint:errcheck // missing key yields ""
	return v
}

// WithUserID returns a context carrying the submitting user's ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFrom returns the user ID stored by WithUserID, or "".
func UserIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string) //nolint:errcheck // missing key yields ""
	return v
}
