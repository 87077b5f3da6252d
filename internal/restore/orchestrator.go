// Package restore selectively restores one site and one database from a
// snapshot. Restoration never overwrites a non-empty existing unit; a skip
// is a successful, logged no-op.
package restore

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/stackback/internal/artifact"
	"github.com/edvin/stackback/internal/config"
	"github.com/edvin/stackback/internal/principal"
	"github.com/edvin/stackback/internal/storage"
)

// UnitState is the terminal state of one restore unit.
type UnitState int

const (
	StateDone UnitState = iota
	StateSkipped
	StateFailed
)

func (s UnitState) String() string {
	switch s {
	case StateDone:
		return "DONE"
	case StateSkipped:
		return "SKIPPED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Result is the outcome of one unit.
type Result struct {
	State  UnitState
	Reason string
}

// RunResult aggregates both units of one restore invocation.
type RunResult struct {
	Site     Result
	Database Result
}

// Database is the database engine capability restore depends on.
type Database interface {
	DatabaseExists(ctx context.Context, name string) (bool, error)
	TableCount(ctx context.Context, name string) (int, error)
	CreateDatabase(ctx context.Context, name string) error
	Import(ctx context.Context, name, dumpPath string) error
}

// Extractor unpacks a site archive into a target directory.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// Reconciler restores principals for one target database.
type Reconciler interface {
	Reconcile(ctx context.Context, target string, mapping *principal.Mapping, script string) error
}

// Normalizer applies ownership and permission normalization to a restored
// site tree.
type Normalizer interface {
	Normalize(ctx context.Context, dir string) error
}

// Orchestrator drives one restore invocation. The site and database units
// are processed independently and strictly sequentially; a failure in one
// does not abort the other.
type Orchestrator struct {
	logger     zerolog.Logger
	cfg        *config.Config
	store      storage.Store
	db         Database
	extractor  Extractor
	reconciler Reconciler
	normalizer Normalizer
}

// NewOrchestrator wires an Orchestrator from its collaborators.
func NewOrchestrator(logger zerolog.Logger, cfg *config.Config, store storage.Store,
	db Database, extractor Extractor, reconciler Reconciler, normalizer Normalizer) *Orchestrator {
	return &Orchestrator{
		logger:     logger.With().Str("component", "restore-orchestrator").Logger(),
		cfg:        cfg,
		store:      store,
		db:         db,
		extractor:  extractor,
		reconciler: reconciler,
		normalizer: normalizer,
	}
}

// Run restores the site and database units from the snapshot at ts. The
// timestamp has already been validated by the caller. Principal
// reconciliation runs only when the database unit reached DONE.
func (o *Orchestrator) Run(ctx context.Context, site, dbName string, ts artifact.Timestamp) (*RunResult, error) {
	scratch := filepath.Join(o.cfg.ScratchDir, "run-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0750); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	o.logger.Info().
		Str("site", site).
		Str("database", dbName).
		Str("timestamp", ts.String()).
		Msg("starting restore run")

	result := &RunResult{
		Site:     o.restoreSite(ctx, scratch, site, ts),
		Database: o.restoreDatabase(ctx, scratch, dbName, ts),
	}

	if result.Database.State == StateDone {
		o.reconcilePrincipals(ctx, scratch, dbName, ts)
	} else {
		o.logger.Info().Str("database", dbName).Str("state", result.Database.State.String()).
			Msg("database unit did not complete, skipping principal reconciliation")
	}

	o.logger.Info().
		Str("site_state", result.Site.State.String()).
		Str("site_reason", result.Site.Reason).
		Str("database_state", result.Database.State.String()).
		Str("database_reason", result.Database.Reason).
		Msg("restore run finished")

	return result, nil
}

func (o *Orchestrator) restoreSite(ctx context.Context, scratch, site string, ts artifact.Timestamp) Result {
	log := o.logger.With().Str("unit", "site").Str("site", site).Logger()

	if strings.ContainsAny(site, "/\\") || strings.Contains(site, "..") {
		return o.failed(log, "unsafe site name")
	}

	target := filepath.Join(o.cfg.SitesDir, site)

	// CHECK_TARGET: a non-empty tree is never overwritten.
	empty, err := dirAbsentOrEmpty(target)
	if err != nil {
		return o.failed(log, fmt.Sprintf("inspect target %s: %v", target, err))
	}
	if !empty {
		log.Info().Str("target", target).Msg("target file-tree not empty, skipping site restore")
		return Result{State: StateSkipped, Reason: "target file-tree not empty"}
	}

	// FETCH.
	key := path.Join(o.cfg.Prefix, ts.String(), artifact.Key(artifact.SiteArchive, site, ts))
	local := filepath.Join(scratch, "site.tar.gz")
	if outcome, err := o.store.Get(ctx, key, local); err != nil {
		log.Error().Err(err).Str("key", key).Str("outcome", outcome.String()).Msg("site archive fetch failed")
		return Result{State: StateFailed, Reason: fmt.Sprintf("fetch %s: %s", key, outcome)}
	}

	// APPLY.
	if err := o.extractor.Extract(ctx, local, target); err != nil {
		return o.failed(log, fmt.Sprintf("extract archive: %v", err))
	}

	// Ownership normalization is applied unconditionally after extraction.
	if err := o.normalizer.Normalize(ctx, target); err != nil {
		log.Warn().Err(err).Str("target", target).Msg("ownership normalization failed")
	}

	log.Info().Str("target", target).Msg("site restored")
	return Result{State: StateDone}
}

func (o *Orchestrator) restoreDatabase(ctx context.Context, scratch, dbName string, ts artifact.Timestamp) Result {
	log := o.logger.With().Str("unit", "database").Str("database", dbName).Logger()

	// CHECK_TARGET: an existing database with tables is never overwritten.
	exists, err := o.db.DatabaseExists(ctx, dbName)
	if err != nil {
		return o.failed(log, fmt.Sprintf("check database existence: %v", err))
	}
	if exists {
		tables, err := o.db.TableCount(ctx, dbName)
		if err != nil {
			return o.failed(log, fmt.Sprintf("count tables: %v", err))
		}
		if tables > 0 {
			log.Info().Int("tables", tables).Msg("database not empty, skipping database restore")
			return Result{State: StateSkipped, Reason: "database not empty"}
		}
	}

	// FETCH.
	key := path.Join(o.cfg.Prefix, ts.String(), artifact.Key(artifact.DatabaseDump, dbName, ts))
	local := filepath.Join(scratch, "db.sql.gz")
	if outcome, err := o.store.Get(ctx, key, local); err != nil {
		log.Error().Err(err).Str("key", key).Str("outcome", outcome.String()).Msg("database dump fetch failed")
		return Result{State: StateFailed, Reason: fmt.Sprintf("fetch %s: %s", key, outcome)}
	}

	// APPLY.
	if !exists {
		if err := o.db.CreateDatabase(ctx, dbName); err != nil {
			return o.failed(log, fmt.Sprintf("create database: %v", err))
		}
	}
	if err := o.db.Import(ctx, dbName, local); err != nil {
		return o.failed(log, fmt.Sprintf("import dump: %v", err))
	}

	log.Info().Msg("database restored")
	return Result{State: StateDone}
}

// reconcilePrincipals fetches the snapshot's principal artifacts and applies
// them. Unavailable artifacts degrade gracefully: user restoration is
// skipped, completed content restoration is not rolled back.
func (o *Orchestrator) reconcilePrincipals(ctx context.Context, scratch, dbName string, ts artifact.Timestamp) {
	mapKey := path.Join(o.cfg.Prefix, ts.String(), artifact.Key(artifact.PrincipalMap, "", ts))
	mapPath := filepath.Join(scratch, "user_dbs.json")
	if outcome, err := o.store.Get(ctx, mapKey, mapPath); err != nil {
		o.logger.Warn().Err(err).Str("key", mapKey).Str("outcome", outcome.String()).
			Msg("principal mapping unavailable, skipping user restoration")
		return
	}

	scriptKey := path.Join(o.cfg.Prefix, ts.String(), artifact.Key(artifact.PrincipalScript, "", ts))
	scriptPath := filepath.Join(scratch, "users.sql")
	if outcome, err := o.store.Get(ctx, scriptKey, scriptPath); err != nil {
		o.logger.Warn().Err(err).Str("key", scriptKey).Str("outcome", outcome.String()).
			Msg("principal script unavailable, skipping user restoration")
		return
	}

	mapData, err := os.ReadFile(mapPath)
	if err != nil {
		o.logger.Warn().Err(err).Msg("read principal mapping failed, skipping user restoration")
		return
	}
	mapping, err := principal.ParseMapping(mapData)
	if err != nil {
		o.logger.Warn().Err(err).Msg("parse principal mapping failed, skipping user restoration")
		return
	}
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		o.logger.Warn().Err(err).Msg("read principal script failed, skipping user restoration")
		return
	}

	if err := o.reconciler.Reconcile(ctx, dbName, mapping, string(script)); err != nil {
		o.logger.Warn().Err(err).Str("database", dbName).Msg("principal reconciliation failed")
	}
}

func (o *Orchestrator) failed(log zerolog.Logger, reason string) Result {
	log.Error().Str("reason", reason).Msg("unit failed")
	return Result{State: StateFailed, Reason: reason}
}

// dirAbsentOrEmpty reports whether path is missing or an empty directory.
func dirAbsentOrEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}
