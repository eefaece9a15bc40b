// Package template builds concrete ticket payloads and their uniqueness
// predicates from a finding.
package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/template"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rcourtman/vulnsync/internal/fields"
)

const (
	// MissingText replaces description attributes absent from the finding.
	MissingText = "No Output"

	descriptionLimit  = 10000
	descriptionSuffix = ".."
)

// Kind distinguishes the parent and child ticket types.
type Kind string

const (
	KindTask    Kind = "task"
	KindSubTask Kind = "subtask"
)

// Section is one description heading and the finding attribute feeding it.
type Section struct {
	Heading   string
	Attribute string
}

// Band maps a numeric priority-field value (for example a VPR score) to a
// priority when the value is at or above LowerBound.
type Band struct {
	LowerBound float64
	Priority   string
}

// Definition describes one ticket type. It is immutable once passed to New.
type Definition struct {
	Kind             Kind
	Name             string // remote issue type name
	TypeID           string // remote issue type id
	ProjectKey       string
	SearchAttributes []string // names of fields that form the uniqueness predicate
	Summary          string   // text/template source, e.g. `[{{attr "plugin.id"}}] {{attr "plugin.name"}}`
	Description      []Section
	Fields           []*fields.Field
	SeverityMap      map[string]string // lowercased severity -> priority id
	PriorityBands    []Band
	StateMap         map[string]bool // lowercased state -> open
	Renderer         Renderer
}

// Template generates Instances for one ticket type.
type Template struct {
	def     Definition
	summary *template.Template
	search  map[string]struct{}
	bands   []Band
}

// Instance is the materialized ticket for one finding. It is consumed once.
type Instance struct {
	Kind      Kind
	Fields    map[string]any
	Predicate []string
	IsOpen    bool
	Priority  string
	Summary   string
	Document  Document
}

// JQL returns the uniqueness predicate as a single ANDed JQL statement.
func (i *Instance) JQL() string {
	return strings.Join(i.Predicate, " AND ")
}

// New validates def and compiles its summary template.
func New(def Definition) (*Template, error) {
	if def.Name == "" {
		return nil, synerr.WrapConfigError("template", string(def.Kind), fmt.Errorf("issue type name is required"))
	}

	var stateFields []string
	search := make(map[string]struct{}, len(def.SearchAttributes))
	for _, name := range def.SearchAttributes {
		search[name] = struct{}{}
	}
	known := make(map[string]struct{}, len(def.Fields))
	for _, f := range def.Fields {
		known[f.Name] = struct{}{}
		if f.MapsToState {
			stateFields = append(stateFields, f.Name)
		}
	}
	if len(stateFields) > 1 {
		return nil, synerr.WrapConfigError("template", def.Name,
			fmt.Errorf("only one field may map to state, got %s", strings.Join(stateFields, ", ")))
	}
	for name := range search {
		if _, ok := known[name]; !ok {
			return nil, synerr.WrapConfigError("template", def.Name, fmt.Errorf("search attribute %q is not a field of this issue type", name))
		}
	}

	tmpl, err := template.New(def.Name).Option("missingkey=zero").Funcs(template.FuncMap{
		"attr": func(string) string { return "" },
	}).Parse(def.Summary)
	if err != nil {
		return nil, synerr.WrapConfigError("template", def.Name, fmt.Errorf("parse summary: %w", err))
	}

	bands := append([]Band(nil), def.PriorityBands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].LowerBound > bands[j].LowerBound })

	if def.Renderer == nil {
		def.Renderer = PlainText
	}

	return &Template{def: def, summary: tmpl, search: search, bands: bands}, nil
}

// Definition returns the template's ticket type definition.
func (t *Template) Definition() Definition {
	return t.def
}

// Name returns the remote issue type name.
func (t *Template) Name() string {
	return t.def.Name
}

// Generate builds the ticket payload and uniqueness predicate for finding.
func (t *Template) Generate(finding map[string]any) (*Instance, error) {
	inst := &Instance{
		Kind: t.def.Kind,
		Fields: map[string]any{
			"project":   map[string]any{"key": t.def.ProjectKey},
			"issuetype": map[string]any{"id": t.def.TypeID},
		},
		Predicate: []string{
			"project = " + fields.Quote(t.def.ProjectKey),
			"issuetype = " + fields.Quote(t.def.Name),
		},
		IsOpen: true,
	}

	summary, err := t.renderSummary(finding)
	if err != nil {
		return nil, err
	}
	inst.Summary = summary
	inst.Document = t.describe(finding)
	inst.Fields["summary"] = summary
	inst.Fields["description"] = t.def.Renderer(inst.Document)

	for _, f := range t.def.Fields {
		value, err := f.ParseValue(finding)
		if err != nil {
			return nil, err
		}
		inst.Fields[f.ID] = value

		if _, ok := t.search[f.Name]; ok {
			inst.Predicate = append(inst.Predicate, f.SearchFragment(value))
		}
		if f.MapsToPriority {
			priority, err := t.priority(value)
			if err != nil {
				return nil, err
			}
			inst.Priority = priority
		}
		if f.MapsToState {
			open, err := t.state(value)
			if err != nil {
				return nil, err
			}
			inst.IsOpen = open
		}
	}
	return inst, nil
}

func (t *Template) renderSummary(finding map[string]any) (string, error) {
	tmpl, err := t.summary.Clone()
	if err != nil {
		return "", err
	}
	tmpl.Funcs(template.FuncMap{
		"attr": func(name string) string { return fields.Stringify(finding[name]) },
	})

	var b strings.Builder
	if err := tmpl.Execute(&b, finding); err != nil {
		return "", synerr.WrapFormatError("render_summary", t.def.Name, err)
	}
	return fields.Truncate(strings.TrimSpace(b.String()), 255), nil
}

func (t *Template) describe(finding map[string]any) Document {
	doc := Document{Blocks: make([]Block, 0, len(t.def.Description))}
	for _, section := range t.def.Description {
		text := MissingText
		if v, ok := finding[section.Attribute]; ok && v != nil {
			text = fields.Stringify(v)
		}
		doc.Blocks = append(doc.Blocks, Block{
			Heading: section.Heading,
			Text:    fields.TruncateWith(text, descriptionLimit, descriptionSuffix),
		})
	}
	return doc
}

func (t *Template) priority(value any) (string, error) {
	key := strings.ToLower(fields.Stringify(value))
	if p, ok := t.def.SeverityMap[key]; ok {
		return p, nil
	}
	if len(t.bands) > 0 {
		if score, err := strconv.ParseFloat(key, 64); err == nil {
			for _, band := range t.bands {
				if score >= band.LowerBound {
					return band.Priority, nil
				}
			}
		}
	}
	return "", synerr.NewSyncError(synerr.ErrorTypeConfig, "map_priority", key, synerr.ErrUnmappedValue)
}

func (t *Template) state(value any) (bool, error) {
	key := strings.ToLower(fields.Stringify(value))
	open, ok := t.def.StateMap[key]
	if !ok {
		return false, synerr.NewSyncError(synerr.ErrorTypeConfig, "map_state", key, synerr.ErrUnmappedValue)
	}
	return open, nil
}
