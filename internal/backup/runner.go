// Package backup drives one best-effort backup run: discover units, build
// their artifacts in a scratch tree, capture host state, and upload the tree
// as one immutable snapshot.
package backup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/stackback/internal/artifact"
	"github.com/edvin/stackback/internal/config"
	"github.com/edvin/stackback/internal/discovery"
	"github.com/edvin/stackback/internal/principal"
	"github.com/edvin/stackback/internal/storage"
)

// Dumper produces a compressed logical dump of one database.
type Dumper interface {
	Dump(ctx context.Context, name, dumpPath string) error
}

// Exporter captures the principal catalog.
type Exporter interface {
	Export(ctx context.Context) (*principal.Mapping, string, error)
}

// Archiver archives one directory tree.
type Archiver interface {
	Archive(ctx context.Context, srcDir, destPath string) error
}

// Summary accounts for one run's per-unit outcomes.
type Summary struct {
	Sites              int
	SitesSkipped       int
	SitesFailed        int
	Databases          int
	DatabasesFailed    int
	PrincipalsExported bool
	Uploaded           bool
}

// Runner executes backup runs. Units are processed strictly sequentially;
// individual unit failures are logged and skipped, and only missing
// prerequisites abort a run, checked up front by the caller.
type Runner struct {
	logger   zerolog.Logger
	cfg      *config.Config
	disc     *discovery.Discovery
	dumper   Dumper
	exporter Exporter
	archiver Archiver
	store    storage.Store
}

// NewRunner wires a Runner from its collaborators.
func NewRunner(logger zerolog.Logger, cfg *config.Config, disc *discovery.Discovery,
	dumper Dumper, exporter Exporter, archiver Archiver, store storage.Store) *Runner {
	return &Runner{
		logger:   logger.With().Str("component", "backup-runner").Logger(),
		cfg:      cfg,
		disc:     disc,
		dumper:   dumper,
		exporter: exporter,
		archiver: archiver,
		store:    store,
	}
}

// Run performs one backup run under the given snapshot timestamp. The
// scratch tree is owned exclusively by this invocation and removed
// unconditionally at the end, including on failure paths.
func (r *Runner) Run(ctx context.Context, ts artifact.Timestamp) (*Summary, error) {
	scratch := filepath.Join(r.cfg.ScratchDir, "run-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0750); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	for _, dir := range []string{"sites", "db", "conf", "sys"} {
		if err := os.MkdirAll(filepath.Join(scratch, dir), 0750); err != nil {
			return nil, fmt.Errorf("create scratch directory: %w", err)
		}
	}

	r.logger.Info().Str("timestamp", ts.String()).Str("scratch", scratch).Msg("starting backup run")

	summary := &Summary{}
	r.backupSites(ctx, scratch, ts, summary)
	r.backupDatabases(ctx, scratch, ts, summary)
	r.exportPrincipals(ctx, scratch, ts, summary)
	r.captureHost(ctx, scratch, ts)

	remotePrefix := path.Join(r.cfg.Prefix, ts.String())
	if err := r.store.PutTree(ctx, scratch, remotePrefix); err != nil {
		r.logger.Error().Err(err).Str("prefix", remotePrefix).Msg("snapshot upload failed")
	} else {
		summary.Uploaded = true
		r.logger.Info().Str("prefix", remotePrefix).Msg("snapshot uploaded")
	}

	r.logger.Info().
		Int("sites", summary.Sites).
		Int("sites_skipped", summary.SitesSkipped).
		Int("sites_failed", summary.SitesFailed).
		Int("databases", summary.Databases).
		Int("databases_failed", summary.DatabasesFailed).
		Bool("principals_exported", summary.PrincipalsExported).
		Bool("uploaded", summary.Uploaded).
		Msg("backup run finished")

	return summary, nil
}

func (r *Runner) backupSites(ctx context.Context, scratch string, ts artifact.Timestamp, summary *Summary) {
	for _, site := range r.disc.Sites() {
		if strings.ContainsAny(site, "/\\") || strings.Contains(site, "..") {
			r.logger.Warn().Str("site", site).Msg("unsafe site name, skipping")
			summary.SitesSkipped++
			continue
		}

		srcDir := filepath.Join(r.cfg.SitesDir, site)
		info, err := os.Stat(srcDir)
		if err != nil || !info.IsDir() {
			r.logger.Warn().Str("site", site).Str("path", srcDir).Msg("site file-tree missing, skipping")
			summary.SitesSkipped++
			continue
		}

		dest := filepath.Join(scratch, artifact.Key(artifact.SiteArchive, site, ts))
		if err := r.archiver.Archive(ctx, srcDir, dest); err != nil {
			r.logger.Error().Err(err).Str("site", site).Msg("site archive failed")
			summary.SitesFailed++
			continue
		}
		summary.Sites++
	}
}

func (r *Runner) backupDatabases(ctx context.Context, scratch string, ts artifact.Timestamp, summary *Summary) {
	for _, db := range r.disc.Databases(ctx) {
		dest := filepath.Join(scratch, artifact.Key(artifact.DatabaseDump, db, ts))
		if err := r.dumper.Dump(ctx, db, dest); err != nil {
			r.logger.Error().Err(err).Str("database", db).Msg("database dump failed")
			summary.DatabasesFailed++
			continue
		}
		summary.Databases++
	}
}

func (r *Runner) exportPrincipals(ctx context.Context, scratch string, ts artifact.Timestamp, summary *Summary) {
	mapping, script, err := r.exporter.Export(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("principal export failed, skipping")
		return
	}

	data, err := mapping.Marshal()
	if err != nil {
		r.logger.Warn().Err(err).Msg("principal mapping marshal failed, skipping")
		return
	}

	mapPath := filepath.Join(scratch, artifact.Key(artifact.PrincipalMap, "", ts))
	scriptPath := filepath.Join(scratch, artifact.Key(artifact.PrincipalScript, "", ts))
	if err := writeFile(mapPath, data); err != nil {
		r.logger.Warn().Err(err).Msg("write principal mapping failed, skipping")
		return
	}
	if err := writeFile(scriptPath, []byte(script)); err != nil {
		r.logger.Warn().Err(err).Msg("write principal script failed, skipping")
		return
	}

	summary.PrincipalsExported = true
	r.logger.Info().Int("principals", len(mapping.Users)).Msg("exported principals")
}

// captureHost records host-wide state: the web-server configuration tree,
// the installed package list and the crontab. Each capture is best-effort.
func (r *Runner) captureHost(ctx context.Context, scratch string, ts artifact.Timestamp) {
	confDest := filepath.Join(scratch, artifact.Key(artifact.ServerConfigArchive, "", ts))
	if err := r.archiver.Archive(ctx, r.cfg.NginxConfDir, confDest); err != nil {
		r.logger.Warn().Err(err).Msg("server config archive failed, skipping")
	}

	pkgDest := filepath.Join(scratch, artifact.Key(artifact.SystemPackageList, "", ts))
	if err := captureCommand(ctx, pkgDest, "dpkg-query", "-W", "-f", "${Package}\t${Version}\n"); err != nil {
		r.logger.Warn().Err(err).Msg("package list capture failed, skipping")
	}

	cronDest := filepath.Join(scratch, artifact.Key(artifact.CronList, "", ts))
	if err := captureCommand(ctx, cronDest, "crontab", "-l"); err != nil {
		r.logger.Warn().Err(err).Msg("crontab capture failed, skipping")
	}
}

// captureCommand runs a command and writes its stdout to destPath.
func captureCommand(ctx context.Context, destPath, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return writeFile(destPath, output)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
