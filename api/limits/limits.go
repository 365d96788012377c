// Package limits is the single source of truth for per-org concurrency
// limit policy: a process-wide default plus stored per-org overrides.
package limits

import (
	"context"
	"fmt"
	"os"

	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/datastore"
	"github.com/gantryproject/gantry/api/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Store struct {
	store        datastore.LimitStore
	defaultLimit uint64
}

func New(store datastore.LimitStore, defaultLimit uint64) *Store {
	return &Store{store: store, defaultLimit: defaultLimit}
}

// Default is the limit applied to orgs with no stored override.
func (s *Store) Default() uint64 { return s.defaultLimit }

// Get returns the effective limit for an org: the custom override if one is
// stored, else the default.
func (s *Store) Get(ctx context.Context, org string) (models.OrgLimit, error) {
	limit, ok, err := s.store.Override(ctx, org)
	if err != nil {
		return models.OrgLimit{}, err
	}
	if !ok {
		return models.OrgLimit{Org: org, Limit: s.defaultLimit, IsCustom: false}, nil
	}
	return models.OrgLimit{Org: org, Limit: limit, IsCustom: true}, nil
}

// Set installs a custom override, returning the previous effective limit.
func (s *Store) Set(ctx context.Context, org string, limit uint64) (models.OrgLimit, error) {
	prev, err := s.Get(ctx, org)
	if err != nil {
		return models.OrgLimit{}, err
	}
	if err := s.store.SetOverride(ctx, org, limit); err != nil {
		return models.OrgLimit{}, err
	}
	return prev, nil
}

// Remove deletes an org's custom override, reverting it to the default. The
// previous effective limit is returned; removed=false means there was no
// override to delete.
func (s *Store) Remove(ctx context.Context, org string) (models.OrgLimit, bool, error) {
	prev, err := s.Get(ctx, org)
	if err != nil {
		return models.OrgLimit{}, false, err
	}
	if !prev.IsCustom {
		return prev, false, nil
	}
	removed, err := s.store.RemoveOverride(ctx, org)
	if err != nil {
		return models.OrgLimit{}, false, err
	}
	return prev, removed, nil
}

// Overrides lists all stored custom overrides.
func (s *Store) Overrides(ctx context.Context) (map[string]uint64, error) {
	return s.store.Overrides(ctx)
}

// SetBulk stores many overrides, keeping existing entries intact.
func (s *Store) SetBulk(ctx context.Context, overrides map[string]uint64) error {
	return s.store.SetOverrides(ctx, overrides, false)
}

type limitsFile struct {
	OrgLimits map[string]int64 `yaml:"org_limits"`
}

// LoadFile parses an org-limits YAML file, dropping invalid entries with a
// warning.
func LoadFile(path string) (map[string]uint64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f limitsFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("parsing org limits file: %w", err)
	}
	out := make(map[string]uint64, len(f.OrgLimits))
	for org, limit := range f.OrgLimits {
		if !models.ValidLimit(limit) {
			logrus.WithFields(logrus.Fields{"org": org, "limit": limit}).Warn("ignoring invalid limit in org limits file")
			continue
		}
		out[org] = uint64(limit)
	}
	return out, nil
}

// Reload loads overrides from a YAML file into the store. With force=false
// only orgs that have no stored override are written, so live administrative
// changes survive redeploys (first writer wins). With force=true the file
// fully replaces all stored overrides. Returns the number of entries read
// from the file.
func (s *Store) Reload(ctx context.Context, path string, force bool) (int, error) {
	fromFile, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	if len(fromFile) == 0 && !force {
		return 0, nil
	}
	if err := s.store.SetOverrides(ctx, fromFile, force); err != nil {
		return 0, err
	}
	common.Logger(ctx).WithFields(logrus.Fields{"entries": len(fromFile), "force": force}).Info("org limits reloaded from file")
	return len(fromFile), nil
}

// Policy is an immutable snapshot of limit policy for one scheduler pass.
// Overrides written mid-tick take effect on the next tick.
type Policy struct {
	Default   uint64
	Overrides map[string]uint64
}

func (p *Policy) Limit(org string) uint64 {
	if limit, ok := p.Overrides[org]; ok {
		return limit
	}
	return p.Default
}

func (p *Policy) IsCustom(org string) bool {
	_, ok := p.Overrides[org]
	return ok
}

// Snapshot captures the current policy for a tick.
func (s *Store) Snapshot(ctx context.Context) (*Policy, error) {
	overrides, err := s.store.Overrides(ctx)
	if err != nil {
		return nil, err
	}
	return &Policy{Default: s.defaultLimit, Overrides: overrides}, nil
}
