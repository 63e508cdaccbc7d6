package status

import (
	"context"
	"errors"

	"github.com/xraph/jobboard/job"
)

// Notifiers fans one upsert out to every notifier in order. All are
// called; their errors are joined.
type Notifiers []Notifier

var _ Notifier = Notifiers(nil)

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, rec *job.Record) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
