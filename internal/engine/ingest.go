package engine

import (
	"context"
	"fmt"

	"github.com/scenariolab/hindcast/internal/attach"
	"github.com/scenariolab/hindcast/internal/ingest"
	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/scenario"
)

// RunIngest drives an ingestion adapter to completion on the caller's
// goroutine, then stages the resulting bundles into the scenario's pools
// through the owner. The pipeline runs under a supervisor, so source
// timeouts are retried with backoff before the adapter is given up on.
// I/O never blocks the owner loop; only the final staging does, and that
// is pure map insertion.
func (e *Engine) RunIngest(ctx context.Context, scenarioID string, adapter ingest.Adapter, cfg ingest.Config) (ingest.Result, error) {
	sup := ingest.NewSupervisor(ingest.NewPipeline(cfg, e.log), e.log)
	res, err := sup.Run(ctx, adapter)
	if err != nil {
		return res, fmt.Errorf("ingest from %s: %w", adapter.Name(), err)
	}

	var cerr error
	derr := e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		for _, b := range res.Bundles {
			e.stageBundle(s, b)
		}
	})
	if derr != nil {
		return res, derr
	}
	return res, cerr
}

// stageBundle places one bundle's evidence and entities into the pools and
// kicks off automatic attachment if the scenario asks for it.
// Owner-confined.
func (e *Engine) stageBundle(s *scenario.Scenario, b ingest.Bundle) {
	var entityIDs []string
	for _, ent := range b.Entities {
		s.AddEntity(ent)
		entityIDs = append(entityIDs, ent.ID)
	}
	s.AddEvidence(b.Evidence)

	e.publish(Event{
		Kind:            EventIngestionProcessed,
		ScenarioID:      s.ID,
		RecordID:        firstRecordID(b),
		CreatedEntities: entityIDs,
		CreatedEvidence: []string{b.Evidence.ID},
	})

	if s.Config.AutoAttach {
		e.scheduleAutoAttach(s, b.Evidence)
	}
}

func firstRecordID(b ingest.Bundle) string {
	if len(b.RecordIDs) == 0 {
		return ""
	}
	return b.RecordIDs[0]
}

// scheduleAutoAttach computes attachment proposals on the worker pool
// (embedding calls can be slow) and applies them back on the owner.
// Owner-confined at dispatch; the apply step re-enters through a command.
func (e *Engine) scheduleAutoAttach(s *scenario.Scenario, ev *models.Evidence) {
	snap := s.Tree.Snapshot()
	scenarioID := s.ID
	attacher := e.attacher
	if s.Config.SimilarityFloor > 0 {
		attacher = attach.New(e.cfg.Embed, s.Config.SimilarityFloor)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.slots <- struct{}{}:
			defer func() { <-e.slots }()
		case <-e.baseCtx.Done():
			return
		}

		proposals, err := attacher.Propose(e.baseCtx, snap, ev)
		if err != nil {
			e.log.Warn("auto-attach failed", "scenario", scenarioID, "evidence", ev.ID, "err", err)
			return
		}
		if len(proposals) == 0 {
			return
		}

		select {
		case e.commands <- func(e *Engine) {
			e.applyProposals(scenarioID, ev.ID, proposals)
		}:
		case <-e.baseCtx.Done():
		}
	}()
}

// applyProposals links proposed attachments against the live tree. The
// tree may have changed since the snapshot; proposals against branches
// that no longer exist are dropped. Owner-confined.
func (e *Engine) applyProposals(scenarioID, evidenceID string, proposals []attach.Proposal) {
	s, ok := e.scenarios[scenarioID]
	if !ok {
		return
	}
	for _, p := range proposals {
		if err := s.AttachEvidence(p.BranchID, evidenceID, p.Link); err != nil {
			e.log.Debug("dropping stale attachment proposal",
				"branch", p.BranchID, "evidence", evidenceID, "err", err)
			continue
		}
		e.publish(Event{
			Kind:       EventEvidenceAttached,
			ScenarioID: scenarioID,
			BranchID:   p.BranchID,
			EvidenceID: evidenceID,
		})
		e.scheduleRecompute(s, p.BranchID)
	}
}
