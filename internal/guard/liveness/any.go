package liveness

import (
	"context"

	"github.com/cockroachdb/errors"

	"reportsched/internal/guard"
)

// Any reports running when any predicate does. Errors only surface when no
// predicate reported a run.
func Any(preds ...guard.Liveness) guard.Liveness {
	var out anyOf
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

type anyOf []guard.Liveness

func (a anyOf) Running(ctx context.Context, id string) (bool, error) {
	var errs []error
	for _, p := range a {
		ok, err := p.Running(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}
