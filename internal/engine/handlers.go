package engine

import (
	"context"

	"github.com/talgya/hexhold/internal/queue"
)

// RegisterHandlers wires the loop services to their job kinds. Each handler
// is a thin adapter: a failure result becomes a returned error so the
// queue's retry policy applies, while idempotency skips resolve as success.
// The services have already failed their own loop runs by the time an error
// reaches the queue, so retries never find mutual exclusion still held.
func RegisterHandlers(q *queue.Queue, orchestrator *Orchestrator, ticker *VillageTicker, producer *Producer) {
	q.Handle(queue.KindPlayLoop, func(ctx context.Context, job queue.Job) error {
		_, err := orchestrator.Run(ctx, job.CycleID, job.RunID)
		return err
	})

	q.Handle(queue.KindVillageTick, func(ctx context.Context, job queue.Job) error {
		_, err := ticker.Process(ctx, job.VillageID, job.CycleID)
		return err
	})

	q.Handle(queue.KindProduce, func(ctx context.Context, job queue.Job) error {
		_, err := producer.Produce(ctx, job.BuildingTypeID, job.VillageID, job.Multiplier, job.CycleID)
		return err
	})
}
