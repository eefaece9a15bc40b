package finding

import (
	"fmt"
	"strings"
	"time"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rcourtman/vulnsync/internal/fields"
)

// Normalizer converts one raw source record into a Finding.
type Normalizer interface {
	Normalize(raw map[string]any) (Finding, error)
}

// Asset holds the asset attributes merged into export findings.
type Asset struct {
	Tags  []string
	IPv4s []string
	IPv6s []string
	Extra map[string]any
}

// VulnExport normalizes vulnerability-export style records (nested asset,
// plugin and port objects, explicit state).
type VulnExport struct {
	// Assets is keyed by asset UUID; when present its attributes are merged
	// into the finding under the "asset." prefix.
	Assets map[string]Asset
	// CloseAccepted treats findings whose risk was accepted as fixed.
	CloseAccepted bool
}

// Normalize implements Normalizer.
func (n *VulnExport) Normalize(raw map[string]any) (Finding, error) {
	f := Flatten(raw)

	assetID := f.str("asset.uuid")
	pluginID := f.str("plugin.id")
	if assetID == "" || pluginID == "" {
		return nil, synerr.WrapFormatError("normalize", assetID+":"+pluginID,
			fmt.Errorf("finding is missing asset.uuid or plugin.id"))
	}

	if asset, ok := n.Assets[assetID]; ok {
		f["asset.tags"] = asset.Tags
		f["asset.ipv4"] = asset.IPv4s
		f["asset.ipv6"] = asset.IPv6s
		for k, v := range asset.Extra {
			f["asset."+k] = v
		}
	}

	stateValue := f.str("state")
	if stateValue == "" {
		stateValue = string(StateOpen)
	}
	state, err := ParseState(stateValue)
	if err != nil {
		return nil, synerr.WrapFormatError("normalize", assetID+":"+pluginID, err)
	}
	if n.CloseAccepted && strings.EqualFold(f.str("severity_modification_type"), "accepted") {
		state = StateFixed
	}

	updated, err := firstTime(f, "plugin.vpr.updated", "plugin.modification_date")
	if err != nil {
		return nil, synerr.WrapFormatError("normalize", assetID+":"+pluginID, err)
	}

	f[AttrInstanceKey] = InstanceKey(assetID, pluginID, f.str("port.port"), f.str("port.protocol")).String()
	f[AttrRootCauseKey] = pluginID
	f[AttrAssetKey] = assetID
	f[AttrState] = string(state)
	f[AttrLastUpdated] = updated
	return f, nil
}

// Analysis normalizes analysis-query style records, where state is implied by
// the query source and uniqueness is described by attribute lists.
type Analysis struct {
	// SourceType is the query source: "cumulative" (open) or "patched" (fixed).
	SourceType string
}

// Normalize implements Normalizer.
func (n *Analysis) Normalize(raw map[string]any) (Finding, error) {
	f := Flatten(raw)

	state, err := ParseState(n.SourceType)
	if err != nil {
		return nil, synerr.WrapConfigError("normalize", n.SourceType, err)
	}
	if state == StateOpen && f.str("hasBeenMitigated") == "1" {
		state = StateReopened
	}

	pluginID := f.str("pluginID")
	if pluginID == "" {
		pluginID = f.str("plugin.id")
	}
	if pluginID == "" {
		return nil, synerr.WrapFormatError("normalize", "", fmt.Errorf("finding is missing pluginID"))
	}

	instanceStr, err := uniquenessString(f, "vulnUniqueness")
	if err != nil {
		return nil, synerr.WrapFormatError("normalize", pluginID, err)
	}
	assetStr, err := uniquenessString(f, "hostUniqueness")
	if err != nil {
		return nil, synerr.WrapFormatError("normalize", pluginID, err)
	}

	updated := time.Time{}
	if v, ok := f["pluginModDate"]; ok && v != nil {
		updated, err = fields.ParseTime(v)
		if err != nil {
			return nil, synerr.WrapFormatError("normalize", pluginID, err)
		}
	}

	assetKey := NameKey(assetStr).String()
	f["asset.uuid"] = assetKey
	f[AttrInstanceKey] = NameKey(instanceStr).String()
	f[AttrRootCauseKey] = pluginID
	f[AttrAssetKey] = assetKey
	f[AttrState] = string(state)
	f[AttrLastUpdated] = updated
	return f, nil
}

// uniquenessString joins the values of the attributes listed (comma separated)
// in f[attr]. "repositoryID" refers to the flattened "repository.id".
func uniquenessString(f Finding, attr string) (string, error) {
	spec := f.str(attr)
	if spec == "" {
		return "", fmt.Errorf("finding is missing %s", attr)
	}
	names := strings.Split(strings.ReplaceAll(spec, "repositoryID", "repository.id"), ",")
	values := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, ok := f[name]; !ok {
			return "", fmt.Errorf("%s references missing attribute %q", attr, name)
		}
		values = append(values, f.str(name))
	}
	return strings.Join(values, ":"), nil
}

func firstTime(f Finding, keys ...string) (time.Time, error) {
	for _, key := range keys {
		v, ok := f[key]
		if !ok || v == nil || v == "" {
			continue
		}
		return fields.ParseTime(v)
	}
	return time.Time{}, nil
}
