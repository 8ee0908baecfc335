package notify

import (
	"context"
	"errors"

	"github.com/eduintbd/eod-sub000/internal/model"
)

// Notifier receives margin alerts.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert model.MarginAlert) error
}

// Fanout delivers each alert to every notifier, continuing past failures.
type Fanout []Notifier

// NotifyAlert returns the joined errors of the notifiers that failed.
func (f Fanout) NotifyAlert(ctx context.Context, alert model.MarginAlert) error {
	var errs []error
	for _, n := range f {
		if err := n.NotifyAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
