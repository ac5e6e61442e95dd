// Package campaign reads the externally owned campaign records the trigger
// path authorizes against. Campaign CRUD lives elsewhere; runguard only reads.
package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// ErrNotFound is returned when no campaign has the requested id.
var ErrNotFound = errors.New("campaign not found")

// Store looks up campaigns by id.
type Store interface {
	GetCampaign(ctx context.Context, id string) (*types.Campaign, error)
}

// New builds the configured campaign store.
func New(cfg *types.CampaignsConfig) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("campaigns config is required")
	}
	switch cfg.Source {
	case "yaml", "":
		return LoadDir(cfg.Dir)
	case "sql":
		return OpenSQL(cfg.Dialect, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported campaigns source: %s", cfg.Source)
	}
}
