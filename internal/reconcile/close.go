package reconcile

import (
	"context"
	"fmt"
	"strings"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rcourtman/vulnsync/internal/finding"
	"github.com/rcourtman/vulnsync/internal/logging"
	"github.com/rcourtman/vulnsync/internal/metrics"
	"github.com/rcourtman/vulnsync/internal/template"
	"github.com/rcourtman/vulnsync/pkg/jira"
	"golang.org/x/sync/errgroup"
)

// CloseDeadAssets closes every open cached sub-task belonging to an asset
// the source reports as terminated or deleted.
func (p *Processor) CloseDeadAssets(ctx context.Context, source finding.Source) error {
	logger := logging.FromContext(ctx)
	var assets, closed int

	err := source.DeadAssets(ctx, func(assetKey string) error {
		assets++
		rows, err := p.cache.OpenSubTasksByAsset(ctx, assetKey)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := p.cache.SetSubTaskState(ctx, row.InstanceKey, false, p.syncedAt()); err != nil {
				return err
			}
			if err := p.closeTicket(ctx, template.KindSubTask, row.TicketID); err != nil {
				if err := p.absorbClose(ctx, row.TicketID, err); err != nil {
					return err
				}
				continue
			}
			closed++
			logger.Info().
				Str("asset", assetKey).
				Str("ticket", row.TicketID).
				Msg("Closed sub-task of dead asset")
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info().Int("assets", assets).Int("closed", closed).Msg("Dead asset cleanup complete")
	return nil
}

// CloseEmptyParents evicts closed sub-tasks from the cache and then closes
// every task left without sub-tasks.
func (p *Processor) CloseEmptyParents(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	evicted, err := p.cache.DeleteClosedSubTasks(ctx)
	if err != nil {
		return err
	}
	empty, err := p.cache.EmptyTasks(ctx)
	if err != nil {
		return err
	}
	logger.Info().Int64("evicted_subtasks", evicted).Int("empty_tasks", len(empty)).Msg("Closing tasks without open sub-tasks")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxWorkers)
	for _, row := range empty {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := p.closeTicket(ctx, template.KindTask, row.TicketID); err != nil {
				return p.absorbClose(ctx, row.TicketID, err)
			}
			logger.Info().Str("root_cause", row.RootCauseKey).Str("ticket", row.TicketID).Msg("Closed task with no open sub-tasks")
			return nil
		})
	}
	return g.Wait()
}

// closeTicket moves a ticket through the close transition with the
// configured comment.
func (p *Processor) closeTicket(ctx context.Context, kind template.Kind, ticketID string) error {
	transitionID, err := p.closedTransition(ctx, ticketID)
	if err != nil {
		return err
	}
	if err := p.tracker.Transition(ctx, ticketID, transitionID, p.opts.ClosedMessage); err != nil {
		return synerr.WrapAPIError("close_"+string(kind), ticketID, err, jira.StatusCode(err))
	}
	p.stats.closed.Add(1)
	metrics.RecordTicket(string(kind), actionClosed)
	return nil
}

// closedTransition returns the configured close transition id, discovering
// it by name from ticketID's workflow the first time.
func (p *Processor) closedTransition(ctx context.Context, ticketID string) (string, error) {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.closeID != "" {
		return p.closeID, nil
	}

	transitions, err := p.tracker.Transitions(ctx, ticketID)
	if err != nil {
		return "", synerr.WrapAPIError("get_transitions", ticketID, err, jira.StatusCode(err))
	}
	names := make([]string, 0, len(transitions))
	for _, t := range transitions {
		if strings.EqualFold(t.Name, p.opts.ClosedTransition) {
			p.closeID = t.ID
			logger := logging.FromContext(ctx)
			logger.Debug().Str("transition", t.Name).Str("id", t.ID).Msg("Discovered close transition")
			return t.ID, nil
		}
		names = append(names, t.Name)
	}
	return "", synerr.WrapConfigError("get_transitions", ticketID,
		fmt.Errorf("transition %q not available, have [%s]", p.opts.ClosedTransition, strings.Join(names, ", ")))
}

// absorbClose applies the error policy to a failed close.
func (p *Processor) absorbClose(ctx context.Context, ticketID string, err error) error {
	p.stats.errors.Add(1)
	metrics.RecordJobError(string(synerr.TypeOf(err)))
	logger := logging.FromContext(ctx)

	if synerr.IsFatal(err) || !p.opts.IgnoreErrors || !synerr.IsAPIError(err) {
		logger.Error().Err(err).Str("ticket", ticketID).Msg("Failed to close ticket, stopping run")
		return err
	}
	logger.Warn().Err(err).Str("ticket", ticketID).Msg("Failed to close ticket, continuing")
	return nil
}
