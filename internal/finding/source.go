package finding

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

const maxLineBytes = 16 * 1024 * 1024

// Source yields the findings of one sync pass and the assets the scanner
// reports as terminated or deleted. Both sequences may be walked more than once.
type Source interface {
	Findings(ctx context.Context, fn func(Finding) error) error
	DeadAssets(ctx context.Context, fn func(assetKey string) error) error
}

// FileSource reads newline-delimited JSON exports from disk.
type FileSource struct {
	FindingsPath   string
	DeadAssetsPath string // optional; one asset id or {"id": ...} object per line
	Normalizer     Normalizer
}

// Findings implements Source. A record that fails normalization stops the walk.
func (s *FileSource) Findings(ctx context.Context, fn func(Finding) error) error {
	if s.Normalizer == nil {
		return fmt.Errorf("file source has no normalizer")
	}
	return readLines(ctx, s.FindingsPath, func(line []byte) error {
		var raw map[string]any
		if err := decode(line, &raw); err != nil {
			return fmt.Errorf("decode finding: %w", err)
		}
		f, err := s.Normalizer.Normalize(raw)
		if err != nil {
			return err
		}
		return fn(f)
	})
}

// DeadAssets implements Source.
func (s *FileSource) DeadAssets(ctx context.Context, fn func(string) error) error {
	if strings.TrimSpace(s.DeadAssetsPath) == "" {
		return nil
	}
	return readLines(ctx, s.DeadAssetsPath, func(line []byte) error {
		id, err := parseAssetLine(line)
		if err != nil {
			return err
		}
		if id == "" {
			return nil
		}
		return fn(id)
	})
}

// LoadAssets reads an asset export (one JSON object per line) keyed by asset id,
// for merging into VulnExport findings.
func LoadAssets(ctx context.Context, path string) (map[string]Asset, error) {
	assets := make(map[string]Asset)
	err := readLines(ctx, path, func(line []byte) error {
		var rec struct {
			ID    string   `json:"id"`
			IPv4s []string `json:"ipv4s"`
			IPv6s []string `json:"ipv6s"`
			Tags  []struct {
				Key   string `json:"key"`
				Value string `json:"value"`
			} `json:"tags"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode asset: %w", err)
		}
		if rec.ID == "" {
			return nil
		}
		asset := Asset{IPv4s: rec.IPv4s, IPv6s: rec.IPv6s, Tags: make([]string, 0, len(rec.Tags))}
		for _, tag := range rec.Tags {
			asset.Tags = append(asset.Tags, tag.Key+":"+tag.Value)
		}
		assets[rec.ID] = asset
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

func parseAssetLine(line []byte) (string, error) {
	if line[0] != '{' {
		return strings.Trim(string(line), `" `), nil
	}
	var rec map[string]any
	if err := decode(line, &rec); err != nil {
		return "", fmt.Errorf("decode dead asset: %w", err)
	}
	for _, key := range []string{"id", "uuid", "asset_id"} {
		if v, ok := rec[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", nil
}

func readLines(ctx context.Context, path string, fn func([]byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	return scanLines(ctx, file, fn)
}

func scanLines(ctx context.Context, r io.Reader, fn func([]byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func decode(line []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	return dec.Decode(out)
}

// SliceSource serves pre-built findings, mainly for embedding and tests.
type SliceSource struct {
	Items  []Finding
	Assets []string
}

// Findings implements Source.
func (s *SliceSource) Findings(ctx context.Context, fn func(Finding) error) error {
	for _, f := range s.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// DeadAssets implements Source.
func (s *SliceSource) DeadAssets(ctx context.Context, fn func(string) error) error {
	for _, id := range s.Assets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}
