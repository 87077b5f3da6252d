package principal

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/stackback/internal/mysql"
)

// Engine executes SQL against the live database engine.
type Engine interface {
	Exec(ctx context.Context, sql string) error
	Query(ctx context.Context, sql string) ([][]string, error)
}

// systemPrincipals are built-in accounts that are never exported.
var systemPrincipals = []string{
	"mysql.sys",
	"mysql.session",
	"mysql.infoschema",
	"debian-sys-maint",
	"root",
}

// grantTargetRe extracts the grant scope from a SHOW GRANTS line:
// "GRANT ... ON `db`.* TO ..." or "GRANT ... ON *.* TO ...".
var grantTargetRe = regexp.MustCompile("ON\\s+(\\*|`([^`]+)`|([A-Za-z0-9_]+))\\.\\*\\s+TO")

// socketPlugins authenticate against the operating system user instead of
// stored credential material.
var socketPlugins = map[string]bool{
	"auth_socket": true,
	"unix_socket": true,
}

// hashPlugins carry verbatim credential material in authentication_string
// that CREATE USER can replay with IDENTIFIED WITH ... AS. The material is
// read as HEX() and replayed as a hex literal because caching_sha2_password
// salts are raw binary that does not survive batch-mode output.
var hashPlugins = map[string]bool{
	"mysql_native_password": true,
	"caching_sha2_password": true,
	"sha256_password":       true,
}

// Exporter reads the live principal catalog and produces the mapping
// document and the principal script.
type Exporter struct {
	logger zerolog.Logger
	db     Engine
}

// NewExporter creates an Exporter over the given engine.
func NewExporter(logger zerolog.Logger, db Engine) *Exporter {
	return &Exporter{
		logger: logger.With().Str("component", "principal-exporter").Logger(),
		db:     db,
	}
}

// Export captures every non-system principal. It returns the mapping
// document and the SQL script; every mapping entry has a corresponding
// creation statement in the script.
func (e *Exporter) Export(ctx context.Context) (*Mapping, string, error) {
	quoted := make([]string, len(systemPrincipals))
	for i, p := range systemPrincipals {
		quoted[i] = mysql.QuoteLiteral(p)
	}
	rows, err := e.db.Query(ctx, fmt.Sprintf(
		"SELECT User, Host, plugin, HEX(authentication_string) FROM mysql.user WHERE User NOT IN (%s) ORDER BY User, Host",
		strings.Join(quoted, ", ")))
	if err != nil {
		return nil, "", fmt.Errorf("read principal catalog: %w", err)
	}

	mapping := &Mapping{Users: map[string]Entry{}}
	var script strings.Builder

	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		user, host, plugin := row[0], row[1], row[2]
		var authHex string
		if len(row) > 3 && row[3] != "NULL" {
			authHex = row[3]
		}

		grants, err := e.db.Query(ctx, fmt.Sprintf("SHOW GRANTS FOR %s@%s",
			mysql.QuoteLiteral(user), mysql.QuoteLiteral(host)))
		if err != nil {
			e.logger.Warn().Err(err).Str("user", user).Str("host", host).
				Msg("reading grants failed, skipping principal")
			continue
		}

		key := user + "@" + host
		dbs := grantScope(grants)
		mapping.Users[key] = Entry{Plugin: plugin, Databases: dbs}

		script.WriteString(createStatement(user, host, plugin, authHex))
		script.WriteString("\n")
		for _, g := range grants {
			if len(g) == 0 {
				continue
			}
			script.WriteString(g[0])
			script.WriteString(";\n")
		}

		e.logger.Info().Str("user", user).Str("host", host).
			Strs("dbs", dbs).Msg("exported principal")
	}

	return mapping, script.String(), nil
}

// grantScope aggregates the database-level grant targets from SHOW GRANTS
// output. A wildcard *.* grant collapses the scope to the AllDatabases
// sentinel.
func grantScope(grants [][]string) []string {
	set := map[string]struct{}{}
	for _, row := range grants {
		if len(row) == 0 {
			continue
		}
		m := grantTargetRe.FindStringSubmatch(row[0])
		if m == nil {
			continue
		}
		// USAGE grants carry no privileges; a bare "GRANT USAGE ON *.*"
		// must not be read as global scope.
		if strings.HasPrefix(row[0], "GRANT USAGE ") {
			continue
		}
		if m[1] == "*" {
			return []string{AllDatabases}
		}
		name := m[2]
		if name == "" {
			name = m[3]
		}
		set[name] = struct{}{}
	}

	dbs := make([]string, 0, len(set))
	for name := range set {
		dbs = append(dbs, name)
	}
	sort.Strings(dbs)
	return dbs
}

// createStatement builds the idempotent creation statement for one
// principal, encoding its actual authentication method. authHex is the
// hex-encoded authentication_string, empty when the account stores none.
func createStatement(user, host, plugin, authHex string) string {
	target := fmt.Sprintf("%s@%s", mysql.QuoteLiteral(user), mysql.QuoteLiteral(host))

	switch {
	case socketPlugins[plugin]:
		return fmt.Sprintf("CREATE USER IF NOT EXISTS %s IDENTIFIED WITH %s;", target, plugin)
	case hashPlugins[plugin] && authHex != "":
		return fmt.Sprintf("CREATE USER IF NOT EXISTS %s IDENTIFIED WITH %s AS 0x%s;",
			target, plugin, authHex)
	default:
		// Unknown method or no stored material: the principal is created
		// locked so the restore cannot widen access; the operator assigns
		// credentials and unlocks afterwards.
		return fmt.Sprintf("CREATE USER IF NOT EXISTS %s ACCOUNT LOCK;", target)
	}
}
