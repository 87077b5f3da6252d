// Package discovery enumerates backup units from live host state. Units are
// discovered fresh on every run and never persisted between runs.
package discovery

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
)

// SiteLister enumerates site domains declared in the host web-server
// configuration. The parsing strategy is behind this interface so it can
// change without touching discovery's contract.
type SiteLister interface {
	ListSites() ([]string, error)
}

// DatabaseLister enumerates databases on the host database engine.
type DatabaseLister interface {
	ListDatabases(ctx context.Context) ([]string, error)
}

// Discovery aggregates the per-source listers and applies the shared
// degradation policy: an unreadable source yields an empty, sorted set with
// a warning instead of failing the run.
type Discovery struct {
	logger zerolog.Logger
	sites  SiteLister
	dbs    DatabaseLister
}

// New creates a Discovery over the given sources.
func New(logger zerolog.Logger, sites SiteLister, dbs DatabaseLister) *Discovery {
	return &Discovery{
		logger: logger.With().Str("component", "discovery").Logger(),
		sites:  sites,
		dbs:    dbs,
	}
}

// Sites returns the sorted, deduplicated set of site domains. A read failure
// is non-fatal and yields an empty set.
func (d *Discovery) Sites() []string {
	names, err := d.sites.ListSites()
	if err != nil {
		d.logger.Warn().Err(err).Msg("site discovery failed, continuing with no sites")
		return nil
	}
	return dedupSort(names)
}

// Databases returns the sorted set of database names. A query failure is
// non-fatal and yields an empty set.
func (d *Discovery) Databases(ctx context.Context) []string {
	names, err := d.dbs.ListDatabases(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("database discovery failed, continuing with no databases")
		return nil
	}
	return dedupSort(names)
}

func dedupSort(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
