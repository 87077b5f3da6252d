// Package artifact defines the backup artifact categories and the
// deterministic object key scheme shared by backup and restore. A key is
// fully determined by (category, unit name, timestamp), so the key written
// at backup time and the key looked up at restore time are byte-identical.
package artifact

import (
	"fmt"
	"regexp"
	"time"
)

// Category identifies one kind of stored artifact.
type Category int

const (
	SiteArchive Category = iota
	DatabaseDump
	PrincipalScript
	PrincipalMap
	SystemPackageList
	CronList
	ServerConfigArchive
)

// TimestampLayout is the wire format for snapshot timestamps. It is
// human-sortable at second resolution.
const TimestampLayout = "2006-01-02_15-04-05"

var timestampRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}$`)

// Timestamp identifies one snapshot. All artifacts produced by a single
// backup run share the same value.
type Timestamp string

// NewTimestamp formats t into a snapshot timestamp.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.Format(TimestampLayout))
}

// ParseTimestamp validates s against the snapshot timestamp format. It is
// called on operator input before any network call so a malformed timestamp
// fails fast with no side effects.
func ParseTimestamp(s string) (Timestamp, error) {
	if !timestampRe.MatchString(s) {
		return "", fmt.Errorf("invalid timestamp %q: expected format %s", s, TimestampLayout)
	}
	if _, err := time.Parse(TimestampLayout, s); err != nil {
		return "", fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return Timestamp(s), nil
}

func (t Timestamp) String() string { return string(t) }

// Dir returns the category directory within a snapshot.
func (c Category) Dir() string {
	switch c {
	case SiteArchive:
		return "sites"
	case DatabaseDump, PrincipalScript, PrincipalMap:
		return "db"
	case ServerConfigArchive:
		return "conf"
	case SystemPackageList, CronList:
		return "sys"
	}
	return ""
}

// hostWideName returns the fixed basename stem for categories that are
// captured once per run, independent of any unit.
func (c Category) hostWideName() string {
	switch c {
	case PrincipalScript:
		return "users"
	case PrincipalMap:
		return "user_dbs"
	case SystemPackageList:
		return "packages"
	case CronList:
		return "crontab"
	case ServerConfigArchive:
		return "server-conf"
	}
	return ""
}

func (c Category) ext() string {
	switch c {
	case SiteArchive, ServerConfigArchive:
		return ".tar.gz"
	case DatabaseDump:
		return ".sql.gz"
	case PrincipalScript:
		return ".sql"
	case PrincipalMap:
		return ".json"
	case SystemPackageList, CronList:
		return ".txt"
	}
	return ""
}

// Key derives the artifact key relative to the snapshot root:
// {category-dir}/{unit-name}_{timestamp}.{ext}. For host-wide categories the
// unit argument is ignored and a fixed basename is used instead.
func Key(c Category, unit string, ts Timestamp) string {
	name := c.hostWideName()
	if name == "" {
		name = unit
	}
	return fmt.Sprintf("%s/%s_%s%s", c.Dir(), name, ts, c.ext())
}
