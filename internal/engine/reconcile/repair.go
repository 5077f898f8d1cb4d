package reconcile

import (
	"context"
	"fmt"

	"fieldsync/internal/engine/syncer"
	"fieldsync/internal/platform/fieldservice"
)

// RepairResult summarises a repair pass.
type RepairResult struct {
	Repaired    int      `json:"repaired"`
	Deactivated int      `json:"deactivated"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors,omitempty"`
}

// Repair applies the upstream snapshot for missing and stale issues. Orphans are
// confirmed with a direct read first and deactivated only when upstream reports
// them gone; an orphan that does exist upstream is upserted instead.
func (e *Engine) Repair(ctx context.Context, issues []Issue) *RepairResult {
	ctx = fieldservice.NoCache(ctx)
	res := &RepairResult{}
	for _, is := range issues {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res
		}

		var err error
		if is.Category == OrphanedLocally {
			err = e.repairOrphan(ctx, is, res)
		} else {
			err = e.apply(ctx, is)
			if err == nil {
				res.Repaired++
			}
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s %s: %v", is.Category, is.Entity, is.UUID, err))
			if fieldservice.KindOf(err) == fieldservice.KindRateLimited {
				return res
			}
		}
	}
	if res.Repaired+res.Deactivated > 0 {
		e.logger.Info().
			Int("repaired", res.Repaired).
			Int("deactivated", res.Deactivated).
			Int("failed", res.Failed).
			Msg("drift repaired")
	}
	return res
}

func (e *Engine) apply(ctx context.Context, is Issue) error {
	var err error
	switch {
	case is.company != nil:
		_, err = e.svc.UpsertCompany(ctx, is.company)
	case is.job != nil:
		_, err = e.svc.UpsertJob(ctx, is.job)
	case is.quote != nil:
		_, err = e.svc.UpsertQuote(ctx, is.quote)
	default:
		err = fmt.Errorf("no upstream snapshot")
	}
	return err
}

func (e *Engine) repairOrphan(ctx context.Context, is Issue, res *RepairResult) error {
	var err error
	switch is.Entity {
	case syncer.EntityCompany:
		var c *fieldservice.Company
		if c, err = e.source.GetCompany(ctx, is.UUID); err == nil {
			is.company = c
		}
	case syncer.EntityJob:
		var j *fieldservice.Job
		if j, err = e.source.GetJob(ctx, is.UUID); err == nil {
			is.job = j
		}
	case syncer.EntityQuote:
		var q *fieldservice.Quote
		if q, err = e.source.GetQuote(ctx, is.UUID); err == nil {
			is.quote = q
		}
	default:
		return fmt.Errorf("unsupported entity %q", is.Entity)
	}

	if err == nil {
		if err := e.apply(ctx, is); err != nil {
			return err
		}
		res.Repaired++
		return nil
	}
	if fieldservice.KindOf(err) != fieldservice.KindNotFound {
		return err
	}

	changed, err := e.svc.Deactivate(ctx, is.Entity, is.UUID)
	if err != nil {
		return err
	}
	if changed {
		res.Deactivated++
	}
	return nil
}
