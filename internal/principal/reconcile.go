package principal

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/stackback/internal/mysql"
)

// Reconciler recreates principals and their access to one restored database
// from a snapshot's mapping document and principal script.
type Reconciler struct {
	logger zerolog.Logger
	db     Engine
}

// NewReconciler creates a Reconciler over the given engine.
func NewReconciler(logger zerolog.Logger, db Engine) *Reconciler {
	return &Reconciler{
		logger: logger.With().Str("component", "principal-reconciler").Logger(),
		db:     db,
	}
}

// Reconcile selects every principal whose scope covers target, creates the
// missing ones from the script, and (re)grants full privileges on target to
// each. Per-principal failures are logged and do not abort the others. The
// accumulated grants are applied with a single FLUSH PRIVILEGES at the end,
// once per invocation. Each statement is individually idempotent, so a crash
// mid-reconciliation is safe to re-run.
func (r *Reconciler) Reconcile(ctx context.Context, target string, mapping *Mapping, script string) error {
	if err := mysql.ValidateName(target); err != nil {
		return err
	}

	selected := mapping.Select(target)
	if len(selected) == 0 {
		r.logger.Info().Str("database", target).Msg("no principals mapped to database")
		return nil
	}

	granted := 0
	for _, key := range selected {
		user, host, err := splitKey(key)
		if err != nil {
			r.logger.Error().Err(err).Str("principal", key).Msg("skipping malformed principal")
			continue
		}

		exists, err := r.exists(ctx, user, host)
		if err != nil {
			r.logger.Error().Err(err).Str("principal", key).Msg("principal lookup failed, skipping")
			continue
		}

		if exists {
			r.logger.Info().Str("principal", key).Msg("principal already exists, skipping creation")
		} else {
			stmt, ok := findCreateStatement(script, user, host)
			if !ok {
				r.logger.Error().Str("principal", key).
					Msg("creation statement not found in principal script, skipping")
				continue
			}
			if err := r.db.Exec(ctx, stmt); err != nil {
				r.logger.Error().Err(err).Str("principal", key).Msg("creating principal failed, skipping")
				continue
			}
			r.logger.Info().Str("principal", key).Msg("created principal")
		}

		// Re-granted unconditionally, whether or not the principal was just
		// created. For pre-existing principals this may widen a previously
		// narrower grant on the target database; logged so the operator can
		// audit it.
		grant := fmt.Sprintf("GRANT ALL PRIVILEGES ON %s.* TO %s@%s",
			mysql.QuoteIdentifier(target), mysql.QuoteLiteral(user), mysql.QuoteLiteral(host))
		if err := r.db.Exec(ctx, grant); err != nil {
			r.logger.Error().Err(err).Str("principal", key).Msg("granting privileges failed")
			continue
		}
		if exists {
			r.logger.Warn().Str("principal", key).Str("database", target).
				Msg("re-granted full privileges to pre-existing principal")
		} else {
			r.logger.Info().Str("principal", key).Str("database", target).Msg("granted full privileges")
		}
		granted++
	}

	if granted > 0 {
		if err := r.db.Exec(ctx, "FLUSH PRIVILEGES"); err != nil {
			return fmt.Errorf("flush privileges: %w", err)
		}
	}

	r.logger.Info().Str("database", target).
		Int("selected", len(selected)).Int("granted", granted).
		Msg("principal reconciliation finished")
	return nil
}

func (r *Reconciler) exists(ctx context.Context, user, host string) (bool, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT 1 FROM mysql.user WHERE User = %s AND Host = %s",
		mysql.QuoteLiteral(user), mysql.QuoteLiteral(host)))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// findCreateStatement locates the creation statement for one principal in
// the script. Statements are one per line, as written by the exporter.
func findCreateStatement(script, user, host string) (string, bool) {
	prefix := fmt.Sprintf("CREATE USER IF NOT EXISTS %s@%s",
		mysql.QuoteLiteral(user), mysql.QuoteLiteral(host))
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSuffix(line, ";"), true
		}
	}
	return "", false
}
