// Package principal captures database principals (users), their
// authentication material and grant scope at backup time, and reconciles
// them against a target database at restore time.
//
// Two coupled artifacts are produced: a mapping document recording which
// databases each principal can reach (the lookup index) and a SQL script of
// idempotent creation and grant statements (the payload). Restore uses the
// mapping to select the principals relevant to one database without parsing
// grant SQL.
package principal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AllDatabases marks a principal whose grant scope is global (per-database
// wildcard), not an enumerated list. It does not imply server-wide superuser.
const AllDatabases = "ALL_DBS"

// Entry describes one principal in the mapping document.
type Entry struct {
	// Plugin is the authentication method identifier from mysql.user.
	Plugin string `json:"plugin"`
	// Databases is the set of databases the principal holds grants on, or
	// the single AllDatabases sentinel.
	Databases []string `json:"dbs"`
}

// Mapping is the principal mapping document. Keys are "user@host".
type Mapping struct {
	Users map[string]Entry `json:"users"`
}

// ParseMapping decodes a mapping document.
func ParseMapping(data []byte) (*Mapping, error) {
	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse principal mapping: %w", err)
	}
	if m.Users == nil {
		m.Users = map[string]Entry{}
	}
	return &m, nil
}

// Marshal encodes the mapping document.
func (m *Mapping) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal principal mapping: %w", err)
	}
	return data, nil
}

// Select returns the sorted "user@host" keys of every principal whose grant
// scope includes the target database, either by name or via the AllDatabases
// sentinel.
func (m *Mapping) Select(target string) []string {
	var keys []string
	for key, entry := range m.Users {
		for _, db := range entry.Databases {
			if db == target || db == AllDatabases {
				keys = append(keys, key)
				break
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// splitKey splits a "user@host" mapping key. Host patterns never contain an
// at sign, so the last one separates user from host.
func splitKey(key string) (user, host string, err error) {
	idx := strings.LastIndex(key, "@")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("malformed principal key %q", key)
	}
	return key[:idx], key[idx+1:], nil
}
