package reconcile

import (
	"context"
	"fmt"
	"time"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rcourtman/vulnsync/internal/finding"
	"github.com/rcourtman/vulnsync/internal/logging"
	"github.com/rcourtman/vulnsync/internal/mapping"
	"github.com/rcourtman/vulnsync/internal/metrics"
	"github.com/rcourtman/vulnsync/internal/template"
	"github.com/rcourtman/vulnsync/pkg/jira"
)

// Ticket actions recorded in metrics.
const (
	actionCreated = "created"
	actionUpdated = "updated"
	actionClosed  = "closed"
	actionSkipped = "skipped"
)

// Fields a ticket update must not resend.
var immutableFields = []string{"project", "issuetype", "parent"}

// UpsertTask makes sure an open Task exists for the finding's root cause and
// returns its ticket id. A finding whose task state is closed yields "".
func (p *Processor) UpsertTask(ctx context.Context, f finding.Finding) (string, error) {
	rootCause := f.RootCauseKey()
	logger := logging.ForFinding(ctx, rootCause, "")

	inst, err := p.opts.Task.Generate(f)
	if err != nil {
		return "", err
	}
	if !inst.IsOpen {
		logger.Debug().Msg("Finding is closed for its task, skipping task upsert")
		return "", nil
	}

	row, ok, err := p.cache.GetTask(ctx, rootCause)
	if err != nil {
		return "", err
	}
	if ok {
		if !p.fresh(f, row.LastSynced) {
			return row.TicketID, nil
		}
		if err := p.update(ctx, template.KindTask, row.TicketID, inst); err != nil {
			return "", err
		}
		if err := p.cache.TouchTask(ctx, rootCause, p.syncedAt()); err != nil {
			return "", err
		}
		logger.Info().Str("ticket", row.TicketID).Msg("Matched task in cache and updated")
		return row.TicketID, nil
	}

	issues, err := p.search(ctx, "search_task", rootCause, inst)
	if err != nil {
		return "", err
	}

	switch len(issues) {
	case 1:
		ticketID := issues[0].ID
		refresh := p.fresh(f, time.Time{})
		inserted, err := p.cache.InsertTask(ctx, mapping.TaskRow{RootCauseKey: rootCause, TicketID: ticketID, LastSynced: p.stamp(refresh)})
		if err != nil {
			return "", err
		}
		if !inserted {
			return p.existingTask(ctx, rootCause, ticketID)
		}
		if refresh {
			if err := p.update(ctx, template.KindTask, ticketID, inst); err != nil {
				return "", err
			}
		}
		logger.Info().Str("ticket", issues[0].Key).Msg("Found task remotely and added to cache")
		return ticketID, nil

	case 0:
		created, err := p.create(ctx, template.KindTask, rootCause, inst)
		if err != nil {
			return "", err
		}
		inserted, err := p.cache.InsertTask(ctx, mapping.TaskRow{RootCauseKey: rootCause, TicketID: created.ID, LastSynced: p.syncedAt()})
		if err != nil {
			return "", err
		}
		if !inserted {
			logger.Error().Str("ticket", created.Key).Msg("Created duplicate task, another job mapped this root cause first")
			return p.existingTask(ctx, rootCause, created.ID)
		}
		logger.Info().Str("ticket", created.Key).Msg("Created task and added to cache")
		return created.ID, nil

	default:
		return "", multipleMatches("upsert_task", rootCause, issues)
	}
}

// UpsertSubTask makes sure the finding's instance has a Sub-task under taskID
// that reflects its state, closing it when the finding is no longer open.
// It returns the sub-task ticket id, or "" when nothing was done.
func (p *Processor) UpsertSubTask(ctx context.Context, taskID string, f finding.Finding) (string, error) {
	instance := f.InstanceKey()
	logger := logging.ForFinding(ctx, f.RootCauseKey(), instance)

	inst, err := p.opts.SubTask.Generate(f)
	if err != nil {
		return "", err
	}
	if taskID != "" {
		inst.Fields["parent"] = map[string]any{"id": taskID}
	}

	row, ok, err := p.cache.GetSubTask(ctx, instance)
	if err != nil {
		return "", err
	}
	if ok {
		if !inst.IsOpen {
			if !row.IsOpen {
				p.skip(template.KindSubTask)
				return row.TicketID, nil
			}
			if err := p.cache.SetSubTaskState(ctx, instance, false, p.syncedAt()); err != nil {
				return "", err
			}
			if err := p.closeTicket(ctx, template.KindSubTask, row.TicketID); err != nil {
				return "", err
			}
			logger.Info().Str("ticket", row.TicketID).Msg("Matched sub-task in cache and closed")
			return row.TicketID, nil
		}
		if !p.fresh(f, row.LastSynced) {
			return row.TicketID, nil
		}
		if err := p.update(ctx, template.KindSubTask, row.TicketID, inst); err != nil {
			return "", err
		}
		if err := p.cache.SetSubTaskState(ctx, instance, true, p.syncedAt()); err != nil {
			return "", err
		}
		logger.Info().Str("ticket", row.TicketID).Msg("Matched sub-task in cache and updated")
		return row.TicketID, nil
	}

	if !inst.IsOpen {
		logger.Debug().Msg("Sub-task is not cached and finding is closed, skipping")
		p.skip(template.KindSubTask)
		return "", nil
	}

	issues, err := p.search(ctx, "search_subtask", instance, inst)
	if err != nil {
		return "", err
	}

	newRow := mapping.SubTaskRow{
		InstanceKey:  instance,
		AssetKey:     f.AssetKey(),
		RootCauseKey: f.RootCauseKey(),
		IsOpen:       true,
		LastSynced:   p.syncedAt(),
	}

	switch len(issues) {
	case 1:
		refresh := p.fresh(f, time.Time{})
		newRow.TicketID = issues[0].ID
		newRow.LastSynced = p.stamp(refresh)
		inserted, err := p.cache.InsertSubTask(ctx, newRow)
		if err != nil {
			return "", err
		}
		if !inserted {
			logger.Warn().Str("ticket", issues[0].Key).Msg("Sub-task was mapped by another job")
			return newRow.TicketID, nil
		}
		if refresh {
			if err := p.update(ctx, template.KindSubTask, newRow.TicketID, inst); err != nil {
				return "", err
			}
		}
		logger.Info().Str("ticket", issues[0].Key).Msg("Found sub-task remotely and added to cache")
		return newRow.TicketID, nil

	case 0:
		if taskID == "" {
			return "", synerr.WrapConfigError("upsert_subtask", instance,
				fmt.Errorf("finding is open for its sub-task but closed for its task; state maps disagree"))
		}
		created, err := p.create(ctx, template.KindSubTask, instance, inst)
		if err != nil {
			return "", err
		}
		newRow.TicketID = created.ID
		inserted, err := p.cache.InsertSubTask(ctx, newRow)
		if err != nil {
			return "", err
		}
		if !inserted {
			logger.Error().Str("ticket", created.Key).Msg("Created duplicate sub-task, another job mapped this instance first")
		}
		logger.Info().Str("ticket", created.Key).Msg("Created sub-task and added to cache")
		return created.ID, nil

	default:
		return "", multipleMatches("upsert_subtask", instance, issues)
	}
}

// fresh reports whether a cache hit warrants a remote update: the finding
// changed after the last completed run and the row was not yet refreshed in
// this one. Only a pushed update marks a row refreshed.
func (p *Processor) fresh(f finding.Finding, lastSynced time.Time) bool {
	if !p.opts.IgnoreLastRun && !f.LastUpdated().After(p.opts.LastRun) {
		return false
	}
	return !lastSynced.After(p.startTime)
}

// syncedAt is the stamp for rows written during the run. It is always after
// the run start so a refreshed row is never refreshed twice.
func (p *Processor) syncedAt() time.Time {
	now := p.opts.Now()
	if !now.After(p.startTime) {
		return p.startTime.Add(time.Nanosecond)
	}
	return now
}

// stamp is the lastSynced value for a row inserted from a remote match. A
// row that was not pushed keeps the run start so a later fresh finding still
// updates it.
func (p *Processor) stamp(refreshed bool) time.Time {
	if refreshed {
		return p.syncedAt()
	}
	return p.startTime
}

func (p *Processor) search(ctx context.Context, op, key string, inst *template.Instance) ([]jira.Issue, error) {
	jql := inst.JQL()
	if clause := mapping.StatusNotIn(p.opts.ClosedStatuses); clause != "" {
		jql += " AND " + clause
	}
	page, err := p.tracker.Search(ctx, jql, []string{"id", "key"}, p.opts.PageSize, "")
	if err != nil {
		return nil, synerr.WrapAPIError(op, key, err, jira.StatusCode(err))
	}
	return page.Issues, nil
}

func (p *Processor) create(ctx context.Context, kind template.Kind, key string, inst *template.Instance) (*jira.CreatedIssue, error) {
	created, err := p.tracker.Create(ctx, payload(inst, false))
	if err != nil {
		return nil, synerr.WrapAPIError("create_"+string(kind), key, err, jira.StatusCode(err))
	}
	p.stats.created.Add(1)
	metrics.RecordTicket(string(kind), actionCreated)
	return created, nil
}

func (p *Processor) update(ctx context.Context, kind template.Kind, ticketID string, inst *template.Instance) error {
	if err := p.tracker.Update(ctx, ticketID, payload(inst, true)); err != nil {
		return synerr.WrapAPIError("update_"+string(kind), ticketID, err, jira.StatusCode(err))
	}
	p.stats.updated.Add(1)
	metrics.RecordTicket(string(kind), actionUpdated)
	return nil
}

func (p *Processor) skip(kind template.Kind) {
	p.stats.skipped.Add(1)
	metrics.RecordTicket(string(kind), actionSkipped)
}

// existingTask resolves a lost insert race to the ticket already mapped.
func (p *Processor) existingTask(ctx context.Context, rootCause, fallback string) (string, error) {
	row, ok, err := p.cache.GetTask(ctx, rootCause)
	if err != nil {
		return "", err
	}
	if !ok {
		return fallback, nil
	}
	return row.TicketID, nil
}

// payload copies the instance fields for a create or update call.
func payload(inst *template.Instance, forUpdate bool) map[string]any {
	out := make(map[string]any, len(inst.Fields)+1)
	for k, v := range inst.Fields {
		out[k] = v
	}
	if forUpdate {
		for _, k := range immutableFields {
			delete(out, k)
		}
	}
	if inst.Priority != "" {
		out["priority"] = map[string]any{"id": inst.Priority}
	}
	return out
}

func multipleMatches(op, key string, issues []jira.Issue) error {
	ids := make([]string, 0, len(issues))
	for _, issue := range issues {
		id := issue.Key
		if id == "" {
			id = issue.ID
		}
		ids = append(ids, id)
	}
	return synerr.MultipleMatches(op, key, ids)
}
