package worker

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

func (w *Worker) heartbeatLoop() {
	defer close(w.beatDone)

	if err := w.publishHeartbeat(w.ctx, api.WorkerRunning); err != nil {
		w.logger.Warn("heartbeat failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.publishHeartbeat(w.ctx, api.WorkerRunning); err != nil && w.ctx.Err() == nil {
				w.logger.Warn("heartbeat failed", slog.Any("error", err))
			}
			w.pruneKilled()
		}
	}
}

func (w *Worker) publishHeartbeat(ctx context.Context, status api.WorkerStatus) error {
	w.mu.Lock()
	w.seq++
	hb := api.Heartbeat{
		WorkerID:   w.cfg.ID,
		Hostname:   w.cfg.Hostname,
		Partitions: w.partitions(),
		Seq:        w.seq,
		Status:     status,
		StartedAt:  w.startedAt,
		Timestamp:  w.cfg.Now().UTC(),
	}
	w.mu.Unlock()
	return queue.Publish(ctx, w.queue, api.TopicHeartbeats, w.cfg.ID, hb)
}

// partitions returns the jobs-topic partitions read by the subscriptions of
// w, when the queue assigns partitions to members. Called with w.mu held.
func (w *Worker) partitions() []int {
	var out []int
	for _, sub := range w.subs {
		if po, ok := sub.(queue.PartitionOwner); ok {
			out = append(out, po.Partitions()...)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (w *Worker) pruneKilled() {
	cutoff := w.cfg.Now().Add(-w.cfg.KilledTTL)
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, at := range w.killed {
		if at.Before(cutoff) {
			delete(w.killed, id)
		}
	}
}
