package facility

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Provider supplies the full configuration snapshot.
type Provider interface {
	Snapshot(ctx context.Context) ([]Config, error)
}

// Static is a Provider over a fixed list.
type Static []Config

// Snapshot implements Provider.
func (s Static) Snapshot(context.Context) ([]Config, error) { return s, nil }

// File is the on-disk snapshot format.
type File struct {
	Facilities []Config `yaml:"facilities"`
}

// FileProvider reads a YAML snapshot from Path on every call.
type FileProvider struct {
	Path string
}

// Snapshot implements Provider.
func (p FileProvider) Snapshot(context.Context) ([]Config, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("facility: read %s: %w", p.Path, err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes a snapshot document.
func ParseYAML(data []byte) ([]Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("facility: decode snapshot: %w", err)
	}
	return f.Facilities, nil
}

// Changes classifies facility ids between two snapshots.
type Changes struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff compares the active configuration with the next one.
func Diff(prev, next map[string]*Compiled) Changes {
	var c Changes
	for fid, n := range next {
		p, ok := prev[fid]
		switch {
		case !ok:
			c.Added = append(c.Added, fid)
		case p.Fingerprint != n.Fingerprint:
			c.Changed = append(c.Changed, fid)
		default:
			c.Unchanged = append(c.Unchanged, fid)
		}
	}
	for fid := range prev {
		if _, ok := next[fid]; !ok {
			c.Removed = append(c.Removed, fid)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Removed)
	sort.Strings(c.Changed)
	sort.Strings(c.Unchanged)
	return c
}
