// Package mysql wraps the mysql and mysqldump CLIs. The database engine is
// an external collaborator; everything here shells out rather than opening a
// driver connection.
package mysql

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// validNameRe matches only alphanumeric characters and underscores.
// This prevents SQL injection in database names.
var validNameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidateName checks that a database name contains only safe characters.
func ValidateName(name string) error {
	if !validNameRe.MatchString(name) {
		return fmt.Errorf("invalid name %q: only alphanumeric and underscore allowed", name)
	}
	return nil
}

// QuoteIdentifier quotes a SQL identifier with backticks, doubling any
// embedded backticks.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteLiteral quotes a SQL string literal with single quotes, escaping
// backslashes and embedded quotes.
func QuoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", `\'`)
	return "'" + s + "'"
}

// Manager executes statements and dumps against MySQL via the CLI tools.
type Manager struct {
	logger zerolog.Logger
	dsn    string
}

// NewManager creates a new Manager.
func NewManager(logger zerolog.Logger, dsn string) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "mysql").Logger(),
		dsn:    dsn,
	}
}

// cliArgs parses the DSN and returns the base mysql CLI arguments for
// authentication and host connection.
func (m *Manager) cliArgs() ([]string, error) {
	dsn := m.dsn
	var args []string

	switch {
	case strings.Contains(dsn, "@tcp("):
		// Go MySQL driver format: user:pass@tcp(host:port)/dbname
		parts := strings.SplitN(dsn, "@tcp(", 2)
		userPass := parts[0]
		hostRest := parts[1]

		if idx := strings.Index(userPass, ":"); idx >= 0 {
			args = append(args, "-u", userPass[:idx])
			if pass := userPass[idx+1:]; pass != "" {
				args = append(args, "-p"+pass)
			}
		} else {
			args = append(args, "-u", userPass)
		}

		if idx := strings.Index(hostRest, ")"); idx >= 0 {
			hostPort := hostRest[:idx]
			host, port, err := net.SplitHostPort(hostPort)
			if err != nil {
				args = append(args, "-h", hostPort)
			} else {
				args = append(args, "-h", host)
				if port != "" {
					args = append(args, "-P", port)
				}
			}
		}

	case strings.HasPrefix(dsn, "mysql://"):
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql DSN: %w", err)
		}
		if u.User != nil {
			args = append(args, "-u", u.User.Username())
			if pass, ok := u.User.Password(); ok && pass != "" {
				args = append(args, "-p"+pass)
			}
		}
		if host := u.Hostname(); host != "" {
			args = append(args, "-h", host)
		}
		if port := u.Port(); port != "" {
			args = append(args, "-P", port)
		}

	default:
		// Empty or unrecognized DSN: rely on the client defaults
		// (~/.my.cnf, local socket).
		return []string{}, nil
	}

	return args, nil
}

// Exec runs a single SQL statement through the mysql CLI.
func (m *Manager) Exec(ctx context.Context, sql string) error {
	baseArgs, err := m.cliArgs()
	if err != nil {
		return err
	}

	args := append(baseArgs, "-e", sql)
	cmd := exec.CommandContext(ctx, "mysql", args...)
	m.logger.Debug().Str("sql", sql).Msg("executing mysql statement")

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mysql statement failed: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// Query runs a SQL query with unbuffered, tab-separated output (-N) and
// returns one row per line, columns split on tabs.
func (m *Manager) Query(ctx context.Context, sql string) ([][]string, error) {
	baseArgs, err := m.cliArgs()
	if err != nil {
		return nil, err
	}

	args := append(baseArgs, "-N", "-B", "-e", sql)
	cmd := exec.CommandContext(ctx, "mysql", args...)
	m.logger.Debug().Str("sql", sql).Msg("executing mysql query")

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("mysql query failed: %s: %w", strings.TrimSpace(string(output)), err)
	}

	var rows [][]string
	for _, line := range strings.Split(strings.TrimRight(string(output), "\n"), "\n") {
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	return rows, nil
}

// DatabaseExists reports whether the named database exists.
func (m *Manager) DatabaseExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	rows, err := m.Query(ctx, fmt.Sprintf(
		"SELECT SCHEMA_NAME FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = %s", QuoteLiteral(name)))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// TableCount returns the number of tables in the named database.
func (m *Manager) TableCount(ctx context.Context, name string) (int, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	rows, err := m.Query(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM information_schema.TABLES WHERE TABLE_SCHEMA = %s", QuoteLiteral(name)))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, fmt.Errorf("table count for %s: empty result", name)
	}
	n, err := strconv.Atoi(rows[0][0])
	if err != nil {
		return 0, fmt.Errorf("table count for %s: %w", name, err)
	}
	return n, nil
}

// CreateDatabase creates the named database if it does not exist.
func (m *Manager) CreateDatabase(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	m.logger.Info().Str("database", name).Msg("creating database")
	return m.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", QuoteIdentifier(name)))
}

// Dump runs mysqldump with a transactional snapshot read and compresses the
// output to a gzipped file.
func (m *Manager) Dump(ctx context.Context, name, dumpPath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	m.logger.Info().Str("database", name).Str("path", dumpPath).Msg("dumping database")

	if err := os.MkdirAll(filepath.Dir(dumpPath), 0750); err != nil {
		return fmt.Errorf("create dump directory: %w", err)
	}

	baseArgs, err := m.cliArgs()
	if err != nil {
		return err
	}

	dumpArgs := append(baseArgs, "--single-transaction", "--routines", "--triggers", name)
	shell := fmt.Sprintf("set -o pipefail; mysqldump %s | gzip > %s",
		strings.Join(quoteArgs(dumpArgs), " "), quoteArg(dumpPath))
	cmd := exec.CommandContext(ctx, "bash", "-c", shell)

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mysqldump %s failed: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// Import loads a gzipped SQL dump into the named database.
func (m *Manager) Import(ctx context.Context, name, dumpPath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	m.logger.Info().Str("database", name).Str("path", dumpPath).Msg("importing database")

	baseArgs, err := m.cliArgs()
	if err != nil {
		return err
	}

	importArgs := append(baseArgs, name)
	shell := fmt.Sprintf("set -o pipefail; gunzip -c %s | mysql %s",
		quoteArg(dumpPath), strings.Join(quoteArgs(importArgs), " "))
	cmd := exec.CommandContext(ctx, "bash", "-c", shell)

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mysql import into %s failed: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// quoteArg wraps an argument in single quotes for safe shell usage.
func quoteArg(a string) string {
	return "'" + strings.ReplaceAll(a, "'", "'\\''") + "'"
}

func quoteArgs(args []string) []string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	return quoted
}
