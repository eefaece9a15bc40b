package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rcourtman/vulnsync/internal/fields"
	"github.com/rcourtman/vulnsync/internal/finding"
	"github.com/rcourtman/vulnsync/internal/mapping"
	"github.com/rcourtman/vulnsync/internal/template"
	"github.com/rcourtman/vulnsync/pkg/jira"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pluginField   = "customfield_1"
	instanceField = "customfield_2"
	assetField    = "customfield_3"
)

type transitionCall struct {
	ID         string
	Transition string
	Comment    string
}

type fakeTracker struct {
	mu sync.Mutex

	nextID      int
	open        map[string][]jira.Issue // rebuild results by issue type name
	matches     func(jql string) []jira.Issue
	updateErr   error
	searches    []string
	created     []map[string]any
	updated     []string
	transitions []transitionCall
	lookups     int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{nextID: 1000, open: map[string][]jira.Issue{}}
}

func (f *fakeTracker) SearchAll(_ context.Context, jql string, _ []string, _, _ int, fn func([]jira.Issue) error) error {
	f.mu.Lock()
	var page []jira.Issue
	for issueType, issues := range f.open {
		if strings.Contains(jql, fmt.Sprintf("issuetype = %q", issueType)) {
			page = issues
		}
	}
	f.mu.Unlock()
	if len(page) == 0 {
		return nil
	}
	return fn(page)
}

func (f *fakeTracker) Search(_ context.Context, jql string, _ []string, _ int, _ string) (*jira.SearchPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, jql)
	if f.matches == nil {
		return &jira.SearchPage{}, nil
	}
	return &jira.SearchPage{Issues: f.matches(jql)}, nil
}

func (f *fakeTracker) Create(_ context.Context, fieldMap map[string]any) (*jira.CreatedIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.created = append(f.created, fieldMap)
	id := fmt.Sprint(f.nextID)
	return &jira.CreatedIssue{ID: id, Key: "VULN-" + id}, nil
}

func (f *fakeTracker) Update(_ context.Context, id string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, id)
	return nil
}

func (f *fakeTracker) Transitions(_ context.Context, _ string) ([]jira.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return []jira.Transition{{ID: "11", Name: "In Progress"}, {ID: "31", Name: "Done"}}, nil
}

func (f *fakeTracker) Transition(_ context.Context, id, transitionID, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, transitionCall{ID: id, Transition: transitionID, Comment: comment})
	return nil
}

func (f *fakeTracker) createdOfType(typeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.created {
		if c["issuetype"].(map[string]any)["id"] == typeID {
			n++
		}
	}
	return n
}

var stateMap = map[string]bool{"open": true, "reopened": true, "fixed": false}

func testTemplates(t *testing.T) (*template.Template, *template.Template) {
	t.Helper()

	pluginID := &fields.Field{Name: "Tenable Plugin ID", ID: pluginField, Type: fields.TypeReadonly, Attribute: finding.AttrRootCauseKey}
	severity := &fields.Field{Name: "Severity", ID: "customfield_4", Type: fields.TypeReadonly, Attribute: "severity", MapsToPriority: true}

	task, err := template.New(template.Definition{
		Kind:             template.KindTask,
		Name:             "Task",
		TypeID:           "10001",
		ProjectKey:       "VULN",
		SearchAttributes: []string{"Tenable Plugin ID"},
		Summary:          `[{{attr "plugin.id"}}] {{attr "plugin.name"}}`,
		Fields: []*fields.Field{
			pluginID,
			severity,
			{Name: "Finding State", ID: "customfield_5", Type: fields.TypeReadonly, Attribute: finding.AttrState, MapsToState: true},
		},
		SeverityMap: map[string]string{"high": "2", "low": "4"},
		StateMap:    stateMap,
	})
	require.NoError(t, err)

	sub, err := template.New(template.Definition{
		Kind:             template.KindSubTask,
		Name:             "Sub-task",
		TypeID:           "10002",
		ProjectKey:       "VULN",
		SearchAttributes: []string{"Tenable Finding ID"},
		Summary:          `[{{attr "asset.uuid"}}] {{attr "plugin.name"}}`,
		Fields: []*fields.Field{
			pluginID,
			severity,
			{Name: "Tenable Finding ID", ID: instanceField, Type: fields.TypeReadonly, Attribute: finding.AttrInstanceKey},
			{Name: "Tenable Asset UUID", ID: assetField, Type: fields.TypeLabels, Attribute: finding.AttrAssetKey},
			{Name: "Finding State", ID: "customfield_5", Type: fields.TypeReadonly, Attribute: finding.AttrState, MapsToState: true},
		},
		SeverityMap: map[string]string{"high": "2", "low": "4"},
		StateMap:    stateMap,
	})
	require.NoError(t, err)
	return task, sub
}

var (
	lastRun = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh   = lastRun.Add(24 * time.Hour)
	stale   = lastRun.Add(-24 * time.Hour)
)

func testFinding(plugin, asset, port string, state finding.State, updated time.Time) finding.Finding {
	return finding.Finding{
		"plugin.id":              plugin,
		"plugin.name":            "Plugin " + plugin,
		"asset.uuid":             asset,
		"severity":               "High",
		finding.AttrRootCauseKey: plugin,
		finding.AttrAssetKey:     asset,
		finding.AttrInstanceKey:  finding.InstanceKey(asset, plugin, port, "tcp").String(),
		finding.AttrState:        string(state),
		finding.AttrLastUpdated:  updated,
	}
}

func newTestProcessor(t *testing.T, tracker *fakeTracker, mutate ...func(*Options)) *Processor {
	t.Helper()
	task, sub := testTemplates(t)
	opts := Options{
		Task:             task,
		SubTask:          sub,
		RootCauseField:   pluginField,
		InstanceKeyField: instanceField,
		AssetKeyField:    assetField,
		ClosedStatuses:   []string{"Closed", "Done"},
		ClosedTransition: "Done",
		ClosedMessage:    "Closed automatically, the finding is no longer open.",
		CachePath:        filepath.Join(t.TempDir(), "cache.db"),
		MaxWorkers:       2,
		LastRun:          lastRun,
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := New(tracker, opts)
	require.NoError(t, err)
	return p
}

// warm opens the processor's cache as Sync would, for calling the upsert
// operations directly.
func warm(t *testing.T, p *Processor) {
	t.Helper()
	cache, err := mapping.Open(p.opts.CachePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	p.cache = cache
	p.startTime = time.Now()
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)

	task, sub := testTemplates(t)
	_, err = New(newFakeTracker(), Options{Task: task, SubTask: sub})
	require.Error(t, err)
	assert.Equal(t, synerr.ErrorTypeConfig, synerr.TypeOf(err))

	p, err := New(newFakeTracker(), Options{Task: task, SubTask: sub, ClosedTransitionID: "31", Debug: true, MaxWorkers: 8})
	require.NoError(t, err)
	assert.Equal(t, 1, p.opts.MaxWorkers)
	assert.Equal(t, jira.DefaultPageSize, p.opts.PageSize)
}

func TestUpsertTaskIdempotentOnWarmCache(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker)
	warm(t, p)

	_, err := p.cache.InsertTask(ctx, mapping.TaskRow{RootCauseKey: "19506", TicketID: "500", LastSynced: p.startTime})
	require.NoError(t, err)

	f := testFinding("19506", "a1", "443", finding.StateOpen, fresh)
	for i := 0; i < 2; i++ {
		id, err := p.UpsertTask(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, "500", id)
	}
	assert.Equal(t, []string{"500"}, tracker.updated)
	assert.Empty(t, tracker.searches)
	assert.Empty(t, tracker.created)
}

func TestUpsertTaskSkipsStaleFinding(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker)
	warm(t, p)

	_, err := p.cache.InsertTask(ctx, mapping.TaskRow{RootCauseKey: "19506", TicketID: "500", LastSynced: p.startTime})
	require.NoError(t, err)

	_, err = p.UpsertTask(ctx, testFinding("19506", "a1", "443", finding.StateOpen, stale))
	require.NoError(t, err)
	assert.Empty(t, tracker.updated)
}

func TestUpsertTaskStaleFindingDoesNotMarkRowRefreshed(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker)
	warm(t, p)

	_, err := p.cache.InsertTask(ctx, mapping.TaskRow{RootCauseKey: "19506", TicketID: "500", LastSynced: p.startTime})
	require.NoError(t, err)

	_, err = p.UpsertTask(ctx, testFinding("19506", "a1", "443", finding.StateOpen, stale))
	require.NoError(t, err)
	assert.Empty(t, tracker.updated)

	row, ok, err := p.cache.GetTask(ctx, "19506")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.startTime.UnixNano(), row.LastSynced.UnixNano())

	_, err = p.UpsertTask(ctx, testFinding("19506", "a2", "443", finding.StateOpen, fresh))
	require.NoError(t, err)
	assert.Equal(t, []string{"500"}, tracker.updated)
}

func TestUpsertSubTaskStaleFindingDoesNotMarkRowRefreshed(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker)
	warm(t, p)

	staleFinding := testFinding("19506", "a1", "443", finding.StateOpen, stale)
	_, err := p.cache.InsertTask(ctx, mapping.TaskRow{RootCauseKey: "19506", TicketID: "500", LastSynced: p.startTime})
	require.NoError(t, err)
	_, err = p.cache.InsertSubTask(ctx, mapping.SubTaskRow{
		InstanceKey:  staleFinding.InstanceKey(),
		AssetKey:     "a1",
		RootCauseKey: "19506",
		TicketID:     "600",
		IsOpen:       true,
		LastSynced:   p.startTime,
	})
	require.NoError(t, err)

	_, err = p.UpsertSubTask(ctx, "500", staleFinding)
	require.NoError(t, err)
	assert.Empty(t, tracker.updated)

	_, err = p.UpsertSubTask(ctx, "500", testFinding("19506", "a1", "443", finding.StateOpen, fresh))
	require.NoError(t, err)
	assert.Equal(t, []string{"600"}, tracker.updated)
}

func TestUpsertTaskStaleRemoteMatchStaysRefreshable(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	tracker.matches = func(string) []jira.Issue {
		return []jira.Issue{{ID: "777", Key: "VULN-777"}}
	}
	p := newTestProcessor(t, tracker)
	warm(t, p)

	_, err := p.UpsertTask(ctx, testFinding("19506", "a1", "443", finding.StateOpen, stale))
	require.NoError(t, err)
	assert.Empty(t, tracker.updated)

	_, err = p.UpsertTask(ctx, testFinding("19506", "a2", "443", finding.StateOpen, fresh))
	require.NoError(t, err)
	assert.Equal(t, []string{"777"}, tracker.updated)
}

func TestUpsertTaskIgnoreLastRun(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker, func(o *Options) { o.IgnoreLastRun = true })
	warm(t, p)

	_, err := p.cache.InsertTask(ctx, mapping.TaskRow{RootCauseKey: "19506", TicketID: "500", LastSynced: p.startTime})
	require.NoError(t, err)

	_, err = p.UpsertTask(ctx, testFinding("19506", "a1", "443", finding.StateOpen, stale))
	require.NoError(t, err)
	assert.Equal(t, []string{"500"}, tracker.updated)
}

func TestUpsertTaskCreatesOnceForSharedRootCause(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker)
	warm(t, p)

	var ids []string
	for _, asset := range []string{"a1", "a2", "a3"} {
		id, err := p.UpsertTask(ctx, testFinding("19506", asset, "443", finding.StateOpen, fresh))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
	assert.Equal(t, 1, tracker.createdOfType("10001"))

	tasks, _, err := p.cache.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tasks)

	require.Len(t, tracker.searches, 1)
	assert.Equal(t,
		`project = "VULN" AND issuetype = "Task" AND "Tenable Plugin ID" ~ "19506" AND status not in ("Closed", "Done")`,
		tracker.searches[0])
	assert.Equal(t, map[string]any{"id": "2"}, tracker.created[0]["priority"])
}

func TestUpsertTaskAdoptsSingleRemoteMatch(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	tracker.matches = func(string) []jira.Issue {
		return []jira.Issue{{ID: "777", Key: "VULN-777"}}
	}
	p := newTestProcessor(t, tracker)
	warm(t, p)

	id, err := p.UpsertTask(ctx, testFinding("19506", "a1", "443", finding.StateOpen, fresh))
	require.NoError(t, err)
	assert.Equal(t, "777", id)
	assert.Empty(t, tracker.created)
	assert.Equal(t, []string{"777"}, tracker.updated)

	row, ok, err := p.cache.GetTask(ctx, "19506")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "777", row.TicketID)
}

func TestUpsertTaskMultipleMatchesIsFatal(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	tracker.matches = func(string) []jira.Issue {
		return []jira.Issue{{ID: "1", Key: "VULN-1"}, {ID: "2", Key: "VULN-2"}}
	}
	p := newTestProcessor(t, tracker)
	warm(t, p)

	_, err := p.UpsertTask(ctx, testFinding("19506", "a1", "443", finding.StateOpen, fresh))
	require.Error(t, err)
	assert.True(t, synerr.IsFatal(err))
	assert.ErrorIs(t, err, synerr.ErrMultipleMatches)
	assert.Contains(t, err.Error(), "VULN-1")
	assert.Contains(t, err.Error(), "VULN-2")
	assert.Empty(t, tracker.created)
	assert.Empty(t, tracker.updated)
}

func TestUpsertSubTaskCreateAndClose(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker)
	warm(t, p)

	open := testFinding("19506", "a1", "443", finding.StateOpen, fresh)
	id, err := p.UpsertSubTask(ctx, "900", open)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, tracker.created, 1)
	assert.Equal(t, map[string]any{"id": "900"}, tracker.created[0]["parent"])
	assert.Equal(t, []string{"a1"}, tracker.created[0][assetField])

	fixed := testFinding("19506", "a1", "443", finding.StateFixed, fresh)
	closedID, err := p.UpsertSubTask(ctx, "", fixed)
	require.NoError(t, err)
	assert.Equal(t, id, closedID)

	require.Len(t, tracker.transitions, 1)
	assert.Equal(t, transitionCall{ID: id, Transition: "31", Comment: p.opts.ClosedMessage}, tracker.transitions[0])

	row, ok, err := p.cache.GetSubTask(ctx, open.InstanceKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, row.IsOpen)

	// A second fixed finding for the same instance does not close again.
	_, err = p.UpsertSubTask(ctx, "", fixed)
	require.NoError(t, err)
	assert.Len(t, tracker.transitions, 1)
}

func TestUpsertSubTaskSkipsClosedMiss(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker)
	warm(t, p)

	id, err := p.UpsertSubTask(ctx, "", testFinding("19506", "a1", "443", finding.StateFixed, fresh))
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, tracker.searches)
	assert.Empty(t, tracker.created)
}

func TestUpsertSubTaskRefreshesOncePerRun(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker)
	warm(t, p)

	f := testFinding("19506", "a1", "443", finding.StateOpen, fresh)
	_, err := p.cache.InsertSubTask(ctx, mapping.SubTaskRow{
		InstanceKey: f.InstanceKey(), AssetKey: "a1", RootCauseKey: "19506", TicketID: "42", IsOpen: true, LastSynced: p.startTime,
	})
	require.NoError(t, err)

	id, err := p.UpsertSubTask(ctx, "900", f)
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, []string{"42"}, tracker.updated)

	_, err = p.UpsertSubTask(ctx, "900", f)
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, tracker.updated)
}

func TestCloseDeadAssets(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker, func(o *Options) { o.ClosedTransitionID = "99" })
	warm(t, p)

	_, err := p.cache.InsertTask(ctx, mapping.TaskRow{RootCauseKey: "p1", TicketID: "10", LastSynced: p.startTime})
	require.NoError(t, err)
	for _, row := range []mapping.SubTaskRow{
		{InstanceKey: "i1", AssetKey: "dead", RootCauseKey: "p1", TicketID: "11", IsOpen: true},
		{InstanceKey: "i2", AssetKey: "alive", RootCauseKey: "p1", TicketID: "12", IsOpen: true},
	} {
		row.LastSynced = p.startTime
		_, err := p.cache.InsertSubTask(ctx, row)
		require.NoError(t, err)
	}

	require.NoError(t, p.CloseDeadAssets(ctx, &finding.SliceSource{Assets: []string{"dead"}}))

	require.Len(t, tracker.transitions, 1)
	assert.Equal(t, "11", tracker.transitions[0].ID)
	assert.Equal(t, "99", tracker.transitions[0].Transition)
	assert.Zero(t, tracker.lookups)

	row, _, err := p.cache.GetSubTask(ctx, "i1")
	require.NoError(t, err)
	assert.False(t, row.IsOpen)
}

func TestCloseEmptyParentsCascades(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker)
	warm(t, p)

	for _, rc := range []string{"p1", "p2"} {
		_, err := p.cache.InsertTask(ctx, mapping.TaskRow{RootCauseKey: rc, TicketID: "t-" + rc, LastSynced: p.startTime})
		require.NoError(t, err)
	}
	for _, row := range []mapping.SubTaskRow{
		{InstanceKey: "i1", AssetKey: "a1", RootCauseKey: "p1", TicketID: "s1", IsOpen: false},
		{InstanceKey: "i2", AssetKey: "a2", RootCauseKey: "p1", TicketID: "s2", IsOpen: false},
		{InstanceKey: "i3", AssetKey: "a3", RootCauseKey: "p2", TicketID: "s3", IsOpen: true},
	} {
		row.LastSynced = p.startTime
		_, err := p.cache.InsertSubTask(ctx, row)
		require.NoError(t, err)
	}

	require.NoError(t, p.CloseEmptyParents(ctx))

	require.Len(t, tracker.transitions, 1)
	assert.Equal(t, "t-p1", tracker.transitions[0].ID)
	assert.Equal(t, 1, tracker.lookups)

	tasks, subtasks, err := p.cache.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, tasks)
	assert.Equal(t, 1, subtasks)
	_, ok, err := p.cache.GetSubTask(ctx, "i3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncEndToEnd(t *testing.T) {
	ctx := context.Background()
	tracker := newFakeTracker()
	tracker.open["Task"] = []jira.Issue{
		{ID: "100", Key: "VULN-100", Fields: map[string]any{pluginField: "orphan"}},
	}
	p := newTestProcessor(t, tracker)

	source := &finding.SliceSource{
		Items: []finding.Finding{
			testFinding("19506", "a1", "443", finding.StateOpen, fresh),
			testFinding("19506", "a2", "443", finding.StateOpen, fresh),
			testFinding("10180", "a3", "0", finding.StateOpen, fresh),
			testFinding("10180", "dead", "0", finding.StateOpen, fresh),
		},
		Assets: []string{"dead"},
	}

	summary, err := p.Sync(ctx, source)
	require.NoError(t, err)

	assert.Len(t, summary.RunID, 26)
	assert.Equal(t, 2, tracker.createdOfType("10001"))
	assert.Equal(t, 4, tracker.createdOfType("10002"))
	assert.Equal(t, 6, summary.Created)
	// The dead asset's sub-task and the orphaned task are closed.
	assert.Equal(t, 2, summary.Closed)
	assert.Zero(t, summary.Errors)
	assert.False(t, summary.Finished.Before(summary.Started))

	var closed []string
	for _, call := range tracker.transitions {
		closed = append(closed, call.ID)
	}
	assert.Contains(t, closed, "100")

	_, statErr := os.Stat(p.opts.CachePath)
	assert.True(t, os.IsNotExist(statErr), "cache must be removed after a successful run")
}

func TestSyncKeepsCacheInDebug(t *testing.T) {
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker, func(o *Options) { o.Debug = true })

	_, err := p.Sync(context.Background(), &finding.SliceSource{
		Items: []finding.Finding{testFinding("19506", "a1", "443", finding.StateOpen, fresh)},
	})
	require.NoError(t, err)

	_, statErr := os.Stat(p.opts.CachePath)
	assert.NoError(t, statErr)
}

func TestSyncAbortsOnMissingIdentity(t *testing.T) {
	tracker := newFakeTracker()
	p := newTestProcessor(t, tracker)

	bad := testFinding("19506", "a1", "443", finding.StateOpen, fresh)
	delete(bad, finding.AttrInstanceKey)

	_, err := p.Sync(context.Background(), &finding.SliceSource{Items: []finding.Finding{bad}})
	require.Error(t, err)
	assert.Equal(t, synerr.ErrorTypeFormat, synerr.TypeOf(err))
	assert.Empty(t, tracker.created)
}

func TestSyncRemoteErrorPolicy(t *testing.T) {
	newSetup := func(ignore bool) (*fakeTracker, *Processor) {
		tracker := newFakeTracker()
		tracker.updateErr = &jira.APIError{Method: "PUT", Path: "/issue/100", StatusCode: 500, Body: "boom"}
		tracker.open["Task"] = []jira.Issue{{ID: "100", Key: "VULN-100", Fields: map[string]any{pluginField: "19506"}}}
		p := newTestProcessor(t, tracker, func(o *Options) {
			o.IgnoreErrors = ignore
			o.MaxWorkers = 1
		})
		return tracker, p
	}
	source := &finding.SliceSource{Items: []finding.Finding{
		testFinding("19506", "a1", "443", finding.StateOpen, fresh),
		testFinding("10180", "a2", "443", finding.StateOpen, fresh),
	}}

	_, p := newSetup(false)
	_, err := p.Sync(context.Background(), source)
	require.Error(t, err)
	assert.True(t, synerr.IsAPIError(err))
	var syncErr *synerr.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, 500, syncErr.StatusCode)

	tracker, p := newSetup(true)
	summary, err := p.Sync(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	// The second finding still gets its task.
	assert.Equal(t, 1, tracker.createdOfType("10001"))
}

func TestSyncPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestProcessor(t, newFakeTracker())
	_, err := p.Sync(ctx, &finding.SliceSource{
		Items: []finding.Finding{testFinding("19506", "a1", "443", finding.StateOpen, fresh)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestShardForIsStable(t *testing.T) {
	for _, key := range []string{"19506", "10180", "156032"} {
		first := shardFor(key, 4)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 4)
		assert.Equal(t, first, shardFor(key, 4))
	}
	assert.Zero(t, shardFor("anything", 1))
}
