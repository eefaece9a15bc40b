package mapping

import (
	"context"
	"fmt"
	"strings"
	"time"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rcourtman/vulnsync/internal/fields"
	"github.com/rcourtman/vulnsync/pkg/jira"
	"github.com/rs/zerolog/log"
)

// DefaultMaxPages bounds how many search pages a single rebuild query may walk.
const DefaultMaxPages = 1000

// RemoteIndex pages through remote tickets matching a query.
type RemoteIndex interface {
	SearchAll(ctx context.Context, jql string, fields []string, pageSize, maxPages int, fn func([]jira.Issue) error) error
}

// RebuildOptions names the remote project, issue types and field ids that
// carry the identity keys.
type RebuildOptions struct {
	ProjectKey     string
	TaskType       string
	SubTaskType    string
	ClosedStatuses []string

	RootCauseField   string
	InstanceKeyField string
	AssetKeyField    string

	PageSize int
	MaxPages int
	// SyncedAt is stamped on every rebuilt row, normally the run start time.
	SyncedAt time.Time
}

// RebuildStats reports how many rows a rebuild loaded and skipped.
type RebuildStats struct {
	Tasks           int
	SubTasks        int
	SkippedTasks    int
	SkippedSubTasks int
}

// OpenTicketsJQL selects the non-closed tickets of one issue type in a project.
func OpenTicketsJQL(projectKey, issueType string, closed []string) string {
	jql := fmt.Sprintf(`project = %s AND issuetype = %s`, fields.Quote(projectKey), fields.Quote(issueType))
	if clause := StatusNotIn(closed); clause != "" {
		jql += " AND " + clause
	}
	return jql
}

// StatusNotIn builds the closed-status exclusion clause.
func StatusNotIn(closed []string) string {
	if len(closed) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(closed))
	for _, s := range closed {
		quoted = append(quoted, fields.Quote(s))
	}
	return "status not in (" + strings.Join(quoted, ", ") + ")"
}

// Rebuild loads every open remote Task and SubTask into the cache.
func (s *Store) Rebuild(ctx context.Context, remote RemoteIndex, opts RebuildOptions) (RebuildStats, error) {
	var stats RebuildStats
	if opts.RootCauseField == "" || opts.InstanceKeyField == "" || opts.AssetKeyField == "" {
		return stats, synerr.WrapConfigError("rebuild_cache", "", fmt.Errorf("identity field ids are required"))
	}
	if opts.SyncedAt.IsZero() {
		opts.SyncedAt = time.Now()
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	log.Info().Str("issue_type", opts.TaskType).Msg("Building task cache")
	taskJQL := OpenTicketsJQL(opts.ProjectKey, opts.TaskType, opts.ClosedStatuses)
	err := remote.SearchAll(ctx, taskJQL, []string{opts.RootCauseField}, opts.PageSize, maxPages, func(issues []jira.Issue) error {
		for _, issue := range issues {
			rootCause, ok := identity(issue.Fields[opts.RootCauseField])
			if !ok || issue.ID == "" {
				stats.SkippedTasks++
				log.Warn().Str("ticket", issue.Key).Msg("Skipping task without root cause key")
				continue
			}
			inserted, err := s.InsertTask(ctx, TaskRow{RootCauseKey: rootCause, TicketID: issue.ID, LastSynced: opts.SyncedAt})
			if err != nil {
				return err
			}
			if inserted {
				stats.Tasks++
			} else {
				log.Warn().Str("root_cause", rootCause).Str("ticket", issue.Key).Msg("Duplicate open task for root cause, keeping first")
			}
		}
		return nil
	})
	if err != nil {
		return stats, wrapRebuild(err)
	}

	log.Info().Str("issue_type", opts.SubTaskType).Msg("Building sub-task cache")
	subJQL := OpenTicketsJQL(opts.ProjectKey, opts.SubTaskType, opts.ClosedStatuses)
	wanted := []string{opts.InstanceKeyField, opts.AssetKeyField, opts.RootCauseField}
	err = remote.SearchAll(ctx, subJQL, wanted, opts.PageSize, maxPages, func(issues []jira.Issue) error {
		for _, issue := range issues {
			instance, ok1 := identity(issue.Fields[opts.InstanceKeyField])
			asset, ok2 := identity(issue.Fields[opts.AssetKeyField])
			rootCause, ok3 := identity(issue.Fields[opts.RootCauseField])
			if !ok1 || !ok2 || !ok3 || issue.ID == "" {
				stats.SkippedSubTasks++
				log.Warn().Str("ticket", issue.Key).Msg("Skipping sub-task with missing identity fields")
				continue
			}
			inserted, err := s.InsertSubTask(ctx, SubTaskRow{
				InstanceKey:  instance,
				AssetKey:     asset,
				RootCauseKey: rootCause,
				TicketID:     issue.ID,
				IsOpen:       true,
				LastSynced:   opts.SyncedAt,
			})
			if err != nil {
				return err
			}
			if inserted {
				stats.SubTasks++
			} else {
				log.Warn().Str("instance", instance).Str("ticket", issue.Key).Msg("Duplicate sub-task for instance, keeping first")
			}
		}
		return nil
	})
	if err != nil {
		return stats, wrapRebuild(err)
	}

	log.Info().
		Int("tasks", stats.Tasks).
		Int("subtasks", stats.SubTasks).
		Int("skipped", stats.SkippedTasks+stats.SkippedSubTasks).
		Msg("Mapping cache rebuilt")
	return stats, nil
}

// identity reduces a remote field value to its key. Lists yield their first
// element and empty values report false.
func identity(v any) (string, bool) {
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return "", false
		}
		v = list[0]
	}
	if v == nil {
		return "", false
	}
	s := strings.TrimSpace(fields.Stringify(v))
	return s, s != ""
}

func wrapRebuild(err error) error {
	if synerr.TypeOf(err) != "" {
		return err
	}
	return synerr.WrapAPIError("rebuild_cache", "", err, jira.StatusCode(err))
}
