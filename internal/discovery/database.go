package discovery

import (
	"context"

	"github.com/edvin/stackback/internal/mysql"
)

// MySQLDatabaseLister lists databases through the mysql CLI, excluding the
// configured deny-list of system catalogs.
type MySQLDatabaseLister struct {
	db   *mysql.Manager
	deny map[string]struct{}
}

// NewMySQLDatabaseLister creates a lister excluding the given database names.
func NewMySQLDatabaseLister(db *mysql.Manager, denyList []string) *MySQLDatabaseLister {
	deny := make(map[string]struct{}, len(denyList))
	for _, n := range denyList {
		deny[n] = struct{}{}
	}
	return &MySQLDatabaseLister{db: db, deny: deny}
}

// ListDatabases returns every database except the deny-listed ones.
func (l *MySQLDatabaseLister) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := l.db.Query(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		name := row[0]
		if _, denied := l.deny[name]; denied {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
