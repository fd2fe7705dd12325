// Package fanout delivers each alert to several notifiers.
package fanout

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/policy/retry"
)

// Target is a named notifier.
type Target struct {
	Name     string
	Notifier monitor.Notifier
}

// Notifier calls every target in order and reports the combined failures.
// Targets that already succeeded are called again when the dispatcher retries.
type Notifier struct {
	targets []Target
}

// New returns a fan-out over targets.
func New(targets ...Target) *Notifier {
	return &Notifier{targets: targets}
}

// Len reports the number of targets.
func (n *Notifier) Len() int {
	return len(n.targets)
}

// Notify delivers to every target. The result is permanent only when every
// failing target reported a permanent error; otherwise permanent failures are
// flattened so the combined error stays retryable.
func (n *Notifier) Notify(ctx context.Context, alert monitor.Alert) error {
	type failure struct {
		name string
		err  error
	}
	var failures []failure
	permanent := true
	for _, t := range n.targets {
		if err := t.Notifier.Notify(ctx, alert); err != nil {
			failures = append(failures, failure{name: t.Name, err: err})
			permanent = permanent && retry.IsPermanent(err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	var errs error
	for _, f := range failures {
		if !permanent && retry.IsPermanent(f.err) {
			errs = multierr.Append(errs, fmt.Errorf("%s: %s", f.name, f.err.Error()))
			continue
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", f.name, f.err))
	}
	if permanent {
		return retry.Permanent(errs)
	}
	return errs
}
