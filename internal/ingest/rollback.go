package ingest

import (
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// compensation undoes one durable step.
type compensation struct {
	name string
	undo func() error
}

// rollback is the list of compensations for the steps completed so far.
// Running it undoes them in reverse order; failures are collected and logged
// and never replace the error that caused the rollback.
type rollback struct {
	log   *zap.Logger
	steps []compensation
}

func (r *rollback) push(name string, undo func() error) {
	r.steps = append(r.steps, compensation{name: name, undo: undo})
}

func (r *rollback) run(cause error) {
	var group errs.Group
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.undo(); err != nil {
			group.Add(Error.New("undo %s: %v", step.name, err))
		}
	}
	r.steps = nil

	if err := group.Err(); err != nil {
		r.log.Warn("rollback incomplete", zap.NamedError("cause", cause), zap.Error(err))
	}
}
