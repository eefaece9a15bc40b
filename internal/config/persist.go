package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	synerr "github.com/rcourtman/vulnsync/internal/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// SaveLastRun records t as source.last_run in the file the configuration was
// loaded from. The rest of the document, comments included, is preserved.
func (c *Config) SaveLastRun(t time.Time) error {
	err := c.rewrite("save_last_run", func(root *yaml.Node) error {
		source := mappingValue(root, "source")
		setScalar(source, "last_run", strconv.FormatInt(t.Unix(), 10), "!!int")
		return nil
	})
	if err != nil {
		return err
	}

	c.Source.LastRun = t.Unix()
	log.Info().Str("config_file", c.path).Int64("last_run", c.Source.LastRun).Msg("Recorded last successful run")
	return nil
}

// ResolvedIDs are the Jira ids looked up or created for a configuration.
type ResolvedIDs struct {
	TaskTypeID    string
	SubTaskTypeID string
	FieldIDs      map[string]string // by field name
}

// SaveResolved pins the issue type and field ids into the configuration file
// so later runs skip the lookups. Fields not in the file are left alone.
func (c *Config) SaveResolved(ids ResolvedIDs) error {
	err := c.rewrite("save_resolved", func(root *yaml.Node) error {
		jira := mappingValue(root, "jira")
		if ids.TaskTypeID != "" {
			setScalar(mappingValue(jira, "task"), "id", ids.TaskTypeID, "!!str")
		}
		if ids.SubTaskTypeID != "" {
			setScalar(mappingValue(jira, "subtask"), "id", ids.SubTaskTypeID, "!!str")
		}
		list := lookup(jira, "fields")
		if list == nil || list.Kind != yaml.SequenceNode {
			return nil
		}
		for _, item := range list.Content {
			if item.Kind != yaml.MappingNode {
				continue
			}
			name := lookup(item, "name")
			if name == nil {
				continue
			}
			if id := ids.FieldIDs[name.Value]; id != "" {
				setScalar(item, "id", id, "!!str")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if ids.TaskTypeID != "" {
		c.Jira.Task.ID = ids.TaskTypeID
	}
	if ids.SubTaskTypeID != "" {
		c.Jira.SubTask.ID = ids.SubTaskTypeID
	}
	for i := range c.Jira.Fields {
		if id := ids.FieldIDs[c.Jira.Fields[i].Name]; id != "" {
			c.Jira.Fields[i].ID = id
		}
	}
	log.Info().Str("config_file", c.path).Int("fields", len(ids.FieldIDs)).Msg("Recorded resolved Jira ids")
	return nil
}

// rewrite applies edit to the configuration file's node tree and replaces
// the file atomically.
func (c *Config) rewrite(op string, edit func(root *yaml.Node) error) error {
	if c.path == "" {
		return synerr.WrapConfigError(op, "", fmt.Errorf("configuration was not loaded from a file"))
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return synerr.WrapConfigError(op, c.path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return synerr.WrapConfigError(op, c.path, fmt.Errorf("parse config file: %w", err))
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return synerr.WrapConfigError(op, c.path, fmt.Errorf("config root is not a mapping"))
	}
	if err := edit(doc.Content[0]); err != nil {
		return synerr.WrapConfigError(op, c.path, err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return synerr.WrapConfigError(op, c.path, err)
	}
	if err := enc.Close(); err != nil {
		return synerr.WrapConfigError(op, c.path, err)
	}

	// Write to a sibling file first so a crash never truncates the config.
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".vulnsync-config-*")
	if err != nil {
		return synerr.WrapConfigError(op, c.path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return synerr.WrapConfigError(op, c.path, err)
	}
	if err := tmp.Close(); err != nil {
		return synerr.WrapConfigError(op, c.path, err)
	}
	if info, err := os.Stat(c.path); err == nil {
		_ = os.Chmod(tmp.Name(), info.Mode().Perm())
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return synerr.WrapConfigError(op, c.path, err)
	}
	return nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// mappingValue returns the mapping stored under key in m, adding an empty one
// when the key is missing or not a mapping.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			v := m.Content[i+1]
			if v.Kind != yaml.MappingNode {
				*v = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			}
			return v
		}
	}
	v := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, v)
	return v
}

func setScalar(m *yaml.Node, key, value, tag string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			v := m.Content[i+1]
			v.Kind, v.Tag, v.Value, v.Style = yaml.ScalarNode, tag, value, 0
			v.Content = nil
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value},
	)
}
