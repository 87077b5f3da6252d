// Command stackrestore restores one site file-tree and one database from a
// snapshot, then reconciles database principals against the snapshot's
// principal artifacts. Restoration is selective and never overwrites
// non-empty targets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/stackback/internal/artifact"
	"github.com/edvin/stackback/internal/backup"
	"github.com/edvin/stackback/internal/config"
	"github.com/edvin/stackback/internal/logging"
	"github.com/edvin/stackback/internal/mysql"
	"github.com/edvin/stackback/internal/principal"
	"github.com/edvin/stackback/internal/restore"
	"github.com/edvin/stackback/internal/storage"
)

var requiredTools = []string{"mysql", "tar", "chown", "bash"}

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "Usage: stackrestore <site-domain> <database> <YYYY-MM-DD_HH-MM-SS>")
		os.Exit(1)
	}
	site, dbName := os.Args[1], os.Args[2]

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// The timestamp is validated before any network call; a malformed value
	// fails fast with no side effects.
	ts, err := artifact.ParseTimestamp(os.Args[3])
	if err != nil {
		boot.Fatal().Err(err).Msg("invalid snapshot timestamp")
	}
	if err := mysql.ValidateName(dbName); err != nil {
		boot.Fatal().Err(err).Msg("invalid database name")
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			boot.Fatal().Str("tool", tool).Msg("required tool not found")
		}
	}

	// The log file is named by the invocation wall-clock time, not the
	// snapshot timestamp, so repeated restores of one snapshot never share
	// a file. The snapshot stays visible as a log field.
	logger, closer, err := logging.NewRunLogger(cfg, "restore", artifact.NewTimestamp(time.Now()).String())
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to open run log")
	}
	defer closer.Close()
	logger = logger.With().Str("snapshot", ts.String()).Logger()

	ctx := context.Background()

	store, err := storage.NewS3Store(ctx, logger, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize object store")
	}

	db := mysql.NewManager(logger, cfg.MySQLDSN)
	orch := restore.NewOrchestrator(logger, cfg, store,
		db,
		backup.NewTarArchiver(logger),
		principal.NewReconciler(logger, db),
		restore.NewChownNormalizer(logger, cfg.SiteOwner))

	if _, err := orch.Run(ctx, site, dbName, ts); err != nil {
		logger.Fatal().Err(err).Msg("restore run could not start")
	}
}
