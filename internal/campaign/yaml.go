package campaign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// DirStore serves campaigns loaded from a directory of YAML files. Each file
// holds either one campaign or a list under "campaigns".
type DirStore struct {
	mu        sync.RWMutex
	campaigns map[string]types.Campaign
}

type campaignFile struct {
	types.Campaign `yaml:",inline"`
	Campaigns      []types.Campaign `yaml:"campaigns,omitempty"`
}

// NewDirStore returns a store holding the given campaigns.
func NewDirStore(campaigns ...types.Campaign) *DirStore {
	s := &DirStore{campaigns: make(map[string]types.Campaign, len(campaigns))}
	for _, c := range campaigns {
		s.campaigns[c.ID] = c
	}
	return s
}

// LoadDir reads every .yaml/.yml file in dir. A missing directory yields an
// empty store.
func LoadDir(dir string) (*DirStore, error) {
	s := NewDirStore()
	if dir == "" {
		return s, nil
	}
	if err := s.Reload(dir); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the store contents with the campaigns found in dir.
func (s *DirStore) Reload(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading campaigns dir: %w", err)
	}

	loaded := make(map[string]types.Campaign)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		var f campaignFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}

		if f.ID != "" {
			loaded[f.ID] = f.Campaign
		}
		for _, c := range f.Campaigns {
			if c.ID == "" {
				return fmt.Errorf("%s: campaign without id", name)
			}
			loaded[c.ID] = c
		}
	}

	s.mu.Lock()
	s.campaigns = loaded
	s.mu.Unlock()
	return nil
}

// Put adds or replaces a campaign.
func (s *DirStore) Put(c types.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

// GetCampaign returns the campaign with the given id.
func (s *DirStore) GetCampaign(_ context.Context, id string) (*types.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}
