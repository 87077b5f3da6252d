// Command stackback backs up the host web stack (site file-trees, MySQL
// databases, principals and host configuration) to the object store as one
// timestamped snapshot. It takes no arguments; per-unit failures are logged
// and do not affect the exit code, which is non-zero only for missing
// prerequisites.
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
	"github.com/edvin/stackback/internal/discovery"
	"github.com/edvin/stackback/internal/logging"
	"github.com/edvin/stackback/internal/mysql"
	"github.com/edvin/stackback/internal/principal"
	"github.com/edvin/stackback/internal/storage"
)

var requiredTools = []string{"mysql", "mysqldump", "tar", "bash"}

func main() {
	if len(os.Args) > 1 {
		fmt.Fprintln(os.Stderr, "Usage: stackback")
		os.Exit(1)
	}

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(config.Path())
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			boot.Fatal().Str("tool", tool).Msg("required tool not found")
		}
	}

	ts := artifact.NewTimestamp(time.Now())
	logger, closer, err := logging.NewRunLogger(cfg, "backup", ts.String())
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to open run log")
	}
	defer closer.Close()

	ctx := context.Background()

	store, err := storage.NewS3Store(ctx, logger, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize object store")
	}

	db := mysql.NewManager(logger, cfg.MySQLDSN)
	disc := discovery.New(logger,
		discovery.NewNginxSiteLister(cfg.NginxConfDir),
		discovery.NewMySQLDatabaseLister(db, cfg.DenyDatabases))

	runner := backup.NewRunner(logger, cfg, disc,
		db,
		principal.NewExporter(logger, db),
		backup.NewTarArchiver(logger),
		store)

	if _, err := runner.Run(ctx, ts); err != nil {
		// Only scratch-area setup can fail here; treat it as a prerequisite.
		logger.Fatal().Err(err).Msg("backup run could not start")
	}
}
