package jobs

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/triaddb/triad/pkg/config"
	"github.com/triaddb/triad/pkg/impact"
	"github.com/triaddb/triad/pkg/rdf"
	"github.com/triaddb/triad/pkg/store"
)

// ErrUnknownJobType propagates out of a worker step instead of being
// recorded on the item: an unknown type means the queue carries payloads
// this build cannot interpret, a deployment fault rather than a data
// fault.
var ErrUnknownJobType = errors.New("jobs: unknown job type")

// Handler interprets queue payloads. One handler serves every worker of
// a store.
type Handler struct {
	cfg        *config.Config
	analyzer   *impact.Analyzer
	regen      Regenerator
	dispatcher *Dispatcher
	groups     store.JobGroupStore
	composites map[store.OpType]store.CompositeStore
	log        logrus.FieldLogger
}

// NewHandler builds a job handler.
func NewHandler(cfg *config.Config, analyzer *impact.Analyzer, regen Regenerator, dispatcher *Dispatcher, groups store.JobGroupStore, composites map[store.OpType]store.CompositeStore, log logrus.FieldLogger) *Handler {
	return &Handler{
		cfg:        cfg,
		analyzer:   analyzer,
		regen:      regen,
		dispatcher: dispatcher,
		groups:     groups,
		composites: composites,
		log:        log,
	}
}

// Handle processes one claimed queue item. Item-level failures return an
// error for the worker to record on the item; they never halt the worker.
func (h *Handler) Handle(ctx context.Context, job *store.QueuedJob) error {
	switch job.Type {
	case JobTypeApplyOperation:
		var payload ApplyOperationJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return errors.Wrap(err, "jobs: decoding apply job")
		}
		return h.applyOperation(ctx, &payload)
	case JobTypeDiscoverImpacted:
		var payload DiscoverImpactedJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return errors.Wrap(err, "jobs: decoding discover job")
		}
		return h.discoverImpacted(ctx, &payload)
	default:
		return errors.Wrapf(ErrUnknownJobType, "%q", job.Type)
	}
}

// applyOperation regenerates the composites a task names, then settles
// its job group if the job belongs to a bulk pass: the pass's sweep runs
// when the last job of the group completes, deleting rows not touched
// since the pass began.
func (h *Handler) applyOperation(ctx context.Context, payload *ApplyOperationJob) error {
	if err := ApplyTask(ctx, h.cfg, h.regen, payload.Subject, payload.Operations, payload.SpecTypes); err != nil {
		return err
	}
	if payload.TrackingID == "" {
		return nil
	}

	remaining, group, err := h.groups.Decrement(ctx, payload.TrackingID)
	if err != nil {
		return errors.Wrapf(err, "jobs: decrementing group %s", payload.TrackingID)
	}
	if remaining > 0 {
		return nil
	}
	return h.sweepGroup(ctx, payload, group)
}

func (h *Handler) sweepGroup(ctx context.Context, payload *ApplyOperationJob, group *store.JobGroup) error {
	for _, specID := range payload.SpecTypes {
		_, op, ok := h.cfg.SpecByID(specID)
		if !ok {
			continue
		}
		cs, ok := h.composites[op]
		if !ok {
			continue
		}
		deleted, err := cs.DeleteBySpecAndAge(ctx, specID, group.StartTime)
		if err != nil {
			return errors.Wrapf(err, "jobs: sweeping %s after group %s", specID, group.ID)
		}
		h.log.WithFields(logrus.Fields{
			"group":   group.ID,
			"spec":    specID,
			"deleted": deleted,
		}).Info("bulk regeneration sweep complete")
	}
	return nil
}

// discoverImpacted re-runs impact discovery out of process and fans the
// results out as ApplyOperation jobs, one per impacted subject, grouped
// onto per-specification queues.
func (h *Handler) discoverImpacted(ctx context.Context, payload *DiscoverImpactedJob) error {
	changed := make(map[rdf.Subject][]string, len(payload.Changed))
	for _, c := range payload.Changed {
		changed[c.Subject] = c.Predicates
	}
	tasks, err := h.analyzer.ImpactedOperations(ctx, changed)
	if err != nil {
		return err
	}
	for _, task := range impact.Merge(nil, tasks) {
		job := &ApplyOperationJob{
			Subject:    task.Subject,
			Operations: task.Operations,
			StoreName:  task.StoreName,
			PodName:    task.PodName,
			SpecTypes:  task.SpecTypes,
		}
		if err := h.dispatcher.EnqueueApply(ctx, job); err != nil {
			return err
		}
	}
	return nil
}
