package discovery

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NginxSiteLister harvests site domains from nginx configuration: the
// server_name directives of every enabled vhost, plus template membership
// lists (one domain per line) under the templates directory.
type NginxSiteLister struct {
	confDir string
}

// NewNginxSiteLister creates a lister over confDir (typically /etc/nginx).
func NewNginxSiteLister(confDir string) *NginxSiteLister {
	return &NginxSiteLister{confDir: confDir}
}

// ListSites returns all declared site domains, unordered and possibly with
// duplicates; the caller dedups and sorts.
func (l *NginxSiteLister) ListSites() ([]string, error) {
	var names []string

	vhostDir := filepath.Join(l.confDir, "sites-enabled")
	entries, err := os.ReadDir(vhostDir)
	if err != nil {
		return nil, fmt.Errorf("read vhost directory %s: %w", vhostDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		found, err := parseServerNames(filepath.Join(vhostDir, e.Name()))
		if err != nil {
			return nil, err
		}
		names = append(names, found...)
	}

	// Template membership lists are optional.
	tmplDir := filepath.Join(l.confDir, "templates")
	tmplEntries, err := os.ReadDir(tmplDir)
	if err != nil {
		if os.IsNotExist(err) {
			return names, nil
		}
		return nil, fmt.Errorf("read template directory %s: %w", tmplDir, err)
	}
	for _, e := range tmplEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".domains") {
			continue
		}
		found, err := parseDomainList(filepath.Join(tmplDir, e.Name()))
		if err != nil {
			return nil, err
		}
		names = append(names, found...)
	}

	return names, nil
}

// parseServerNames extracts domains from server_name directives in one
// nginx config file. The catch-all "_" and wildcard-only entries are not
// backup units.
func parseServerNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vhost config %s: %w", path, err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if !strings.HasPrefix(line, "server_name") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "server_name"))
		rest = strings.TrimSuffix(rest, ";")
		for _, tok := range strings.Fields(rest) {
			if tok == "_" || strings.HasPrefix(tok, "*") || strings.HasPrefix(tok, "~") {
				continue
			}
			names = append(names, tok)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan vhost config %s: %w", path, err)
	}
	return names, nil
}

// parseDomainList reads one domain per line, ignoring blanks and comments.
func parseDomainList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open domain list %s: %w", path, err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan domain list %s: %w", path, err)
	}
	return names, nil
}
