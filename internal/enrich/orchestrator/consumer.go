package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shpitdev/prospect-enrichment/internal/enrich"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
	"github.com/shpitdev/prospect-enrichment/internal/queue"
)

// HandleJob is the queue handler for enrichment work items.
//
// A failed run has already been marked failed and is retried only by a later
// trigger, so the job is acked. Store failures and runs interrupted by shutdown
// are nacked and redelivered; the run-ID guard keeps the redelivery from
// touching a prospect that has since been claimed again.
func (o *Orchestrator) HandleJob(ctx context.Context, job *queue.Job) error {
	var ev enrich.Event
	if err := json.Unmarshal(job.Payload, &ev); err != nil || ev.RunID == "" || ev.ProspectID == "" {
		o.logger.Error("discarding malformed enrichment job", "job_id", job.ID, "error", err)
		return nil
	}
	err := o.Run(ctx, ev)
	var perr *prospect.PersistenceError
	if errors.As(err, &perr) || errors.Is(err, ErrInterrupted) {
		return err
	}
	return nil
}
