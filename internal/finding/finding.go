// Package finding turns raw scanner records into flat, normalized findings
// carrying the identity keys the reconciliation engine relies on.
package finding

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rcourtman/vulnsync/internal/fields"
)

// Attributes derived during normalization.
const (
	AttrInstanceKey  = "integration_finding_id"
	AttrRootCauseKey = "integration_plugin_id"
	AttrAssetKey     = "integration_asset_id"
	AttrState        = "integration_state"
	AttrLastUpdated  = "integration_pid_updated"
)

// State is the normalized lifecycle state of a finding.
type State string

const (
	StateOpen     State = "open"
	StateReopened State = "reopened"
	StateFixed    State = "fixed"
)

var stateVocabulary = map[string]State{
	"open":       StateOpen,
	"new":        StateOpen,
	"active":     StateOpen,
	"cumulative": StateOpen,
	"reopened":   StateReopened,
	"resurfaced": StateReopened,
	"fixed":      StateFixed,
	"patched":    StateFixed,
	"mitigated":  StateFixed,
}

// ParseState maps source-specific lifecycle vocabulary onto State.
func ParseState(value string) (State, error) {
	s, ok := stateVocabulary[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return "", fmt.Errorf("unknown finding state %q", value)
	}
	return s, nil
}

// Finding is one flattened (asset, root cause, instance) record.
type Finding map[string]any

// InstanceKey returns the content-derived sub-task identity key.
func (f Finding) InstanceKey() string { return f.str(AttrInstanceKey) }

// RootCauseKey returns the task identity key.
func (f Finding) RootCauseKey() string { return f.str(AttrRootCauseKey) }

// AssetKey returns the asset identifier the finding belongs to.
func (f Finding) AssetKey() string { return f.str(AttrAssetKey) }

// State returns the normalized lifecycle state.
func (f Finding) State() State {
	return State(f.str(AttrState))
}

// LastUpdated returns the time the root-cause information last changed.
func (f Finding) LastUpdated() time.Time {
	ts, _ := f[AttrLastUpdated].(time.Time)
	return ts
}

func (f Finding) str(key string) string {
	return fields.Stringify(f[key])
}

// InstanceKey derives the deterministic sub-task key for an
// (asset, root cause, port, protocol) tuple.
func InstanceKey(asset, rootCause, port, protocol string) uuid.UUID {
	return NameKey(asset, rootCause, port, protocol)
}

// NameKey hashes the colon-joined parts into a namespace UUID (version 3).
func NameKey(parts ...string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceDNS, []byte(strings.Join(parts, ":")))
}

// Flatten collapses nested maps into dotted keys, e.g. {"asset":{"uuid":x}}
// becomes {"asset.uuid":x}. Lists are kept as-is.
func Flatten(raw map[string]any) Finding {
	out := make(Finding, len(raw))
	flattenInto(out, "", raw)
	return out
}

func flattenInto(out Finding, prefix string, raw map[string]any) {
	for k, v := range raw {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}
