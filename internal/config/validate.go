package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rcourtman/vulnsync/internal/fields"
	"github.com/rcourtman/vulnsync/internal/finding"
)

// Validate checks the whole configuration and reports every problem found
// in a single config error.
func (c *Config) Validate() error {
	problems := c.Problems()
	if len(problems) == 0 {
		return nil
	}
	return synerr.WrapConfigError("validate_config", c.path,
		fmt.Errorf("%d problem(s):\n  %s", len(problems), strings.Join(problems, "\n  ")))
}

// Problems lists configuration errors, prefixed with their location.
func (c *Config) Problems() []string {
	var out []string
	add := func(loc, format string, args ...any) {
		out = append(out, loc+": "+fmt.Sprintf(format, args...))
	}

	switch c.Source.Platform {
	case PlatformTVM, PlatformTSC:
	default:
		add("source.platform", "must be %q or %q, got %q", PlatformTVM, PlatformTSC, c.Source.Platform)
	}
	if strings.TrimSpace(c.Source.FindingsPath) == "" {
		add("source.findings_path", "is required")
	}
	if c.Source.Platform == PlatformTSC && c.Source.SourceType != "" {
		if _, err := finding.ParseState(c.Source.SourceType); err != nil {
			add("source.source_type", "%v", err)
		}
	}

	j := c.Jira
	if u, err := url.Parse(j.URL); err != nil || u.Scheme == "" || u.Host == "" {
		add("jira.url", "must be an absolute URL, got %q", j.URL)
	}
	if j.BearerToken == "" && (j.User == "" || j.APIToken == "") {
		add("jira", "api_username and api_token, or bearer_token, are required")
	}
	if j.APIVersion != "2" && j.APIVersion != "3" {
		add("jira.api_version", "must be 2 or 3, got %q", j.APIVersion)
	}
	if j.Project.Key == "" {
		add("jira.project.key", "is required")
	}
	if j.Closed == "" && j.ClosedID == "" {
		add("jira.closed", "a closed transition name or closed_id is required")
	}

	for _, state := range []finding.State{finding.StateOpen, finding.StateReopened, finding.StateFixed} {
		if _, ok := j.StateMap[string(state)]; !ok {
			add("jira.state_map", "missing entry for %q", state)
		}
	}
	if len(j.SeverityMap) == 0 && len(j.PriorityBands) == 0 {
		add("jira.severity_map", "severity_map or priority_bands is required")
	}
	for i, band := range j.PriorityBands {
		if band.Priority == "" {
			add(fmt.Sprintf("jira.priority_bands[%d].priority", i), "is required")
		}
	}

	names := make(map[string]FieldConfig, len(j.Fields))
	stateFields := map[string][]string{}
	for i, f := range j.Fields {
		loc := fmt.Sprintf("jira.fields[%d]", i)
		if f.Name == "" {
			add(loc+".name", "is required")
			continue
		}
		if _, dup := names[f.Name]; dup {
			add(loc+".name", "duplicate field %q", f.Name)
		}
		names[f.Name] = f
		if _, err := fields.ParseValueType(f.Type); err != nil {
			add(loc+".type", "%v", err)
		}
		if f.Attr == "" && f.StaticValue == "" && !f.PlatformID {
			add(loc, "field %q needs attr, static_value or platform_id", f.Name)
		}
		if f.PlatformID && c.PlatformName() == "" {
			add(loc+".platform_id", "source.platforms has no entry for %q", c.Source.Platform)
		}
		if len(f.TaskTypes) == 0 {
			add(loc+".task_types", "field %q is attached to no ticket type", f.Name)
		}
		for _, tt := range f.TaskTypes {
			switch tt {
			case TaskTypeTask, TaskTypeSubTask:
				if f.MapToState {
					stateFields[tt] = append(stateFields[tt], f.Name)
				}
			default:
				add(loc+".task_types", "unknown ticket type %q", tt)
			}
		}
	}
	for tt, list := range stateFields {
		if len(list) > 1 {
			add("jira.fields", "only one %s field may map_to_state, got %s", tt, strings.Join(list, ", "))
		}
	}

	checkTask := func(loc, taskType string, t TaskConfig) {
		if t.Summary == "" {
			add(loc+".summary", "is required")
		}
		if len(t.Search) == 0 {
			add(loc+".search", "at least one search field is required")
		}
		for _, name := range t.Search {
			f, ok := names[name]
			if !ok || !hasType(f, taskType) {
				add(loc+".search", "field %q is not defined for %s", name, taskType)
			}
		}
	}
	checkTask("jira.task", TaskTypeTask, j.Task)
	checkTask("jira.subtask", TaskTypeSubTask, j.SubTask)

	identity := []struct{ loc, name string }{
		{"jira.identity.root_cause_field", j.Identity.RootCauseField},
		{"jira.identity.instance_field", j.Identity.InstanceKeyField},
		{"jira.identity.asset_field", j.Identity.AssetKeyField},
	}
	for _, id := range identity {
		loc, name := id.loc, id.name
		if name == "" {
			add(loc, "is required")
			continue
		}
		if f, ok := names[name]; !ok || !hasType(f, TaskTypeSubTask) {
			add(loc, "field %q is not defined for subtask", name)
		}
	}
	if f, ok := names[j.Identity.RootCauseField]; ok && !hasType(f, TaskTypeTask) {
		add("jira.identity.root_cause_field", "field %q is not defined for task", f.Name)
	}

	if strings.TrimSpace(c.Cache.Path) == "" {
		add("cache.path", "is required")
	}
	return out
}

func hasType(f FieldConfig, taskType string) bool {
	return slices.Contains(f.TaskTypes, taskType)
}
