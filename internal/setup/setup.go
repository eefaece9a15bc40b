// Package setup links a validated configuration to a Jira project: it resolves
// issue type and field ids, creates missing custom fields, and compiles the
// task and sub-task templates the reconciliation engine runs with.
package setup

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rcourtman/vulnsync/internal/config"
	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rcourtman/vulnsync/internal/fields"
	"github.com/rcourtman/vulnsync/internal/reconcile"
	"github.com/rcourtman/vulnsync/internal/template"
	"github.com/rcourtman/vulnsync/pkg/jira"
	"github.com/rs/zerolog/log"
)

// Remote is the part of the Jira API setup needs.
type Remote interface {
	APIVersion() string
	GetProject(ctx context.Context, key string) (*jira.Project, error)
	ListFields(ctx context.Context) ([]jira.FieldInfo, error)
	CreateField(ctx context.Context, spec jira.FieldSpec) (*jira.FieldInfo, error)
}

// Searchers used when a field is created without an explicit searcher.
var defaultSearchers = map[string]string{
	"readonlyfield": "textsearcher",
	"textfield":     "textsearcher",
	"textarea":      "textsearcher",
	"labels":        "labelsearcher",
	"float":         "exactnumber",
	"datetime":      "datetimerange",
	"url":           "exacttextsearcher",
}

// Options controls Resolve.
type Options struct {
	// CreateFields creates custom fields that do not exist yet. When false a
	// missing field is a configuration error.
	CreateFields bool
}

// Result is the resolved ticket model.
type Result struct {
	Project *jira.Project
	Fields  []*fields.Field
	Created []string // names of fields created during Resolve
	Task    *template.Template
	SubTask *template.Template

	RootCauseField   string
	InstanceKeyField string
	AssetKeyField    string
}

// Resolve looks up everything cfg refers to by name in the remote project.
func Resolve(ctx context.Context, cfg *config.Config, remote Remote, opts Options) (*Result, error) {
	j := cfg.Jira

	project, err := remote.GetProject(ctx, j.Project.Key)
	if err != nil {
		return nil, synerr.WrapAPIError("get_project", j.Project.Key, err, jira.StatusCode(err))
	}
	log.Info().Str("project", project.Key).Str("name", project.Name).Msg("Found Jira project")

	res := &Result{Project: project}
	if err := res.resolveFields(ctx, cfg, remote, opts); err != nil {
		return nil, err
	}

	byName := make(map[string]string, len(res.Fields))
	for _, f := range res.Fields {
		byName[f.Name] = f.ID
	}
	for _, id := range []struct {
		name string
		dst  *string
	}{
		{j.Identity.RootCauseField, &res.RootCauseField},
		{j.Identity.InstanceKeyField, &res.InstanceKeyField},
		{j.Identity.AssetKeyField, &res.AssetKeyField},
	} {
		fieldID, ok := byName[id.name]
		if !ok {
			return nil, synerr.WrapConfigError("resolve_identity", id.name, fmt.Errorf("identity field is not a configured field"))
		}
		*id.dst = fieldID
	}

	renderer := template.PlainText
	if remote.APIVersion() == jira.APIv3 {
		renderer = ADFRenderer
	}

	res.Task, err = buildTemplate(cfg, project, template.KindTask, j.Task, res.Fields, config.TaskTypeTask, renderer)
	if err != nil {
		return nil, err
	}
	res.SubTask, err = buildTemplate(cfg, project, template.KindSubTask, j.SubTask, res.Fields, config.TaskTypeSubTask, renderer)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Result) resolveFields(ctx context.Context, cfg *config.Config, remote Remote, opts Options) error {
	var existing map[string]string
	for _, fc := range cfg.Jira.Fields {
		vt, err := fields.ParseValueType(fc.Type)
		if err != nil {
			return synerr.WrapConfigError("resolve_field", fc.Name, err)
		}
		f := &fields.Field{
			Name:           fc.Name,
			ID:             fc.ID,
			Type:           vt,
			Attribute:      fc.Attr,
			StaticValue:    fc.StaticValue,
			Searcher:       fc.Searcher,
			Description:    fc.Description,
			ScreenTab:      fc.ScreenTab,
			MapsToPriority: fc.MapToPriority,
			MapsToState:    fc.MapToState,
		}
		if fc.PlatformID {
			f.PlatformID = cfg.PlatformName()
		}

		if f.ID == "" {
			if existing == nil {
				if existing, err = listFields(ctx, remote); err != nil {
					return err
				}
			}
			f.ID = existing[f.Name]
		}
		if f.ID == "" {
			if !opts.CreateFields {
				return synerr.WrapConfigError("resolve_field", f.Name, fmt.Errorf("field does not exist in Jira"))
			}
			if err := createField(ctx, remote, fc, f); err != nil {
				return err
			}
			r.Created = append(r.Created, f.Name)
		}
		log.Debug().Str("field", f.Name).Str("id", f.ID).Str("source", f.Source()).Msg("Resolved field")
		r.Fields = append(r.Fields, f)
	}
	return nil
}

func listFields(ctx context.Context, remote Remote) (map[string]string, error) {
	infos, err := remote.ListFields(ctx)
	if err != nil {
		return nil, synerr.WrapAPIError("list_fields", "", err, jira.StatusCode(err))
	}
	out := make(map[string]string, len(infos))
	for _, info := range infos {
		if _, dup := out[info.Name]; dup {
			log.Warn().Str("field", info.Name).Msg("Jira has several fields with this name, using the first")
			continue
		}
		out[info.Name] = info.ID
	}
	return out, nil
}

func createField(ctx context.Context, remote Remote, fc config.FieldConfig, f *fields.Field) error {
	kind := strings.ToLower(fc.Type)
	searcher := fc.Searcher
	if searcher == "" {
		searcher = defaultSearchers[kind]
	}
	info, err := remote.CreateField(ctx, jira.FieldSpec{
		Name:        fc.Name,
		Type:        kind,
		Searcher:    searcher,
		Description: fc.Description,
	})
	if err != nil {
		return synerr.WrapAPIError("create_field", fc.Name, err, jira.StatusCode(err))
	}
	f.ID = info.ID
	log.Info().Str("field", f.Name).Str("id", f.ID).Msg("Created Jira custom field")
	return nil
}

func buildTemplate(cfg *config.Config, project *jira.Project, kind template.Kind, tc config.TaskConfig,
	all []*fields.Field, taskType string, renderer template.Renderer) (*template.Template, error) {
	typeID := tc.ID
	if typeID == "" {
		it, ok := project.IssueTypeByName(tc.Name)
		if !ok {
			return nil, synerr.WrapConfigError("resolve_issue_type", tc.Name,
				fmt.Errorf("project %s has no issue type named %q", project.Key, tc.Name))
		}
		typeID = it.ID
	}

	var scoped []*fields.Field
	for i, fc := range cfg.Jira.Fields {
		if slices.Contains(fc.TaskTypes, taskType) {
			scoped = append(scoped, all[i])
		}
	}

	sections := make([]template.Section, 0, len(tc.Description))
	for _, p := range tc.Description {
		sections = append(sections, template.Section{Heading: p.Name, Attribute: p.Attr})
	}
	bands := make([]template.Band, 0, len(cfg.Jira.PriorityBands))
	for _, b := range cfg.Jira.PriorityBands {
		bands = append(bands, template.Band{LowerBound: b.LowerBound, Priority: b.Priority})
	}

	return template.New(template.Definition{
		Kind:             kind,
		Name:             tc.Name,
		TypeID:           typeID,
		ProjectKey:       project.Key,
		SearchAttributes: tc.Search,
		Summary:          tc.Summary,
		Description:      sections,
		Fields:           scoped,
		SeverityMap:      cfg.Jira.SeverityMap,
		PriorityBands:    bands,
		StateMap:         cfg.Jira.StateMap,
		Renderer:         renderer,
	})
}

// ADFRenderer renders a description as an Atlassian Document Format document.
func ADFRenderer(doc template.Document) any {
	sections := make([]jira.Section, len(doc.Blocks))
	for i, b := range doc.Blocks {
		sections[i] = jira.Section{Heading: b.Heading, Text: b.Text}
	}
	return jira.ADF(sections)
}

// IDs returns the resolved issue type and field ids for pinning into the
// configuration file.
func (r *Result) IDs() config.ResolvedIDs {
	ids := config.ResolvedIDs{
		TaskTypeID:    r.Task.Definition().TypeID,
		SubTaskTypeID: r.SubTask.Definition().TypeID,
		FieldIDs:      make(map[string]string, len(r.Fields)),
	}
	for _, f := range r.Fields {
		ids.FieldIDs[f.Name] = f.ID
	}
	return ids
}

// ProcessorOptions combines the resolved model with the run settings from cfg.
func (r *Result) ProcessorOptions(cfg *config.Config) reconcile.Options {
	j := cfg.Jira
	return reconcile.Options{
		Task:               r.Task,
		SubTask:            r.SubTask,
		RootCauseField:     r.RootCauseField,
		InstanceKeyField:   r.InstanceKeyField,
		AssetKeyField:      r.AssetKeyField,
		ClosedStatuses:     j.ClosedMap,
		ClosedTransition:   j.Closed,
		ClosedTransitionID: j.ClosedID,
		ClosedMessage:      j.ClosedMessage,
		CachePath:          cfg.Cache.Path,
		MaxWorkers:         j.MaxWorkers,
		PageSize:           j.PageSize,
		MaxPages:           j.MaxPages,
		LastRun:            cfg.LastRunTime(),
		IgnoreErrors:       j.IgnoreErrors,
	}
}
