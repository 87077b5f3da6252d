package backup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/stackback/internal/artifact"
	"github.com/edvin/stackback/internal/config"
	"github.com/edvin/stackback/internal/discovery"
	"github.com/edvin/stackback/internal/principal"
	"github.com/edvin/stackback/internal/storage"
)

type fakeSites struct{ names []string }

func (f *fakeSites) ListSites() ([]string, error) { return f.names, nil }

type fakeDBs struct{ names []string }

func (f *fakeDBs) ListDatabases(ctx context.Context) ([]string, error) { return f.names, nil }

type fakeDumper struct {
	failFor map[string]bool
	dumped  []string
}

func (f *fakeDumper) Dump(ctx context.Context, name, dumpPath string) error {
	if f.failFor[name] {
		return errors.New("dump failed")
	}
	f.dumped = append(f.dumped, name)
	return os.WriteFile(dumpPath, []byte("dump of "+name), 0640)
}

type fakeExporter struct {
	mapping *principal.Mapping
	script  string
	err     error
}

func (f *fakeExporter) Export(ctx context.Context) (*principal.Mapping, string, error) {
	return f.mapping, f.script, f.err
}

type fakeArchiver struct {
	archived []string
}

func (f *fakeArchiver) Archive(ctx context.Context, srcDir, destPath string) error {
	f.archived = append(f.archived, srcDir)
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte("archive of "+srcDir), 0640)
}

type fakeStore struct {
	err      error
	prefix   string
	uploaded []string
}

func (f *fakeStore) PutTree(ctx context.Context, localDir, remotePrefix string) error {
	if f.err != nil {
		return f.err
	}
	f.prefix = remotePrefix
	// The scratch tree is deleted after the run; record its keys now.
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(localDir, p)
		f.uploaded = append(f.uploaded, filepath.ToSlash(rel))
		return nil
	})
}

func (f *fakeStore) Get(ctx context.Context, key, localPath string) (storage.Outcome, error) {
	return storage.OutcomeNotFound, errors.New("not used in backup tests")
}

type runnerFixture struct {
	cfg      *config.Config
	dumper   *fakeDumper
	exporter *fakeExporter
	archiver *fakeArchiver
	store    *fakeStore
	runner   *Runner
}

func newRunnerFixture(t *testing.T, sites, dbs []string) *runnerFixture {
	t.Helper()
	cfg := &config.Config{
		Bucket:       "backups",
		Prefix:       "web01",
		Region:       "eu-north-1",
		SitesDir:     filepath.Join(t.TempDir(), "sites"),
		NginxConfDir: t.TempDir(),
		ScratchDir:   t.TempDir(),
	}

	fx := &runnerFixture{
		cfg:    cfg,
		dumper: &fakeDumper{failFor: map[string]bool{}},
		exporter: &fakeExporter{
			mapping: &principal.Mapping{Users: map[string]principal.Entry{
				"app@%": {Plugin: "mysql_native_password", Databases: []string{"example_db"}},
			}},
			script: "CREATE USER IF NOT EXISTS 'app'@'%';\n",
		},
		archiver: &fakeArchiver{},
		store:    &fakeStore{},
	}

	disc := discovery.New(zerolog.Nop(), &fakeSites{names: sites}, &fakeDBs{names: dbs})
	fx.runner = NewRunner(zerolog.Nop(), cfg, disc, fx.dumper, fx.exporter, fx.archiver, fx.store)
	return fx
}

func (fx *runnerFixture) makeSiteTree(t *testing.T, site string) {
	t.Helper()
	dir := filepath.Join(fx.cfg.SitesDir, site)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi"), 0644))
}

func TestRun_UploadsExpectedArtifacts(t *testing.T) {
	fx := newRunnerFixture(t, []string{"example.com"}, []string{"example_db"})
	fx.makeSiteTree(t, "example.com")

	ts := artifact.Timestamp("2024-01-01_03-00-00")
	summary, err := fx.runner.Run(context.Background(), ts)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sites)
	assert.Equal(t, 1, summary.Databases)
	assert.True(t, summary.PrincipalsExported)
	assert.True(t, summary.Uploaded)

	assert.Equal(t, "web01/2024-01-01_03-00-00", fx.store.prefix)
	assert.Contains(t, fx.store.uploaded, "sites/example.com_2024-01-01_03-00-00.tar.gz")
	assert.Contains(t, fx.store.uploaded, "db/example_db_2024-01-01_03-00-00.sql.gz")
	assert.Contains(t, fx.store.uploaded, "db/users_2024-01-01_03-00-00.sql")
	assert.Contains(t, fx.store.uploaded, "db/user_dbs_2024-01-01_03-00-00.json")
	assert.Contains(t, fx.store.uploaded, "conf/server-conf_2024-01-01_03-00-00.tar.gz")
}

func TestRun_MissingSiteTreeIsSkipped(t *testing.T) {
	fx := newRunnerFixture(t, []string{"present.com", "absent.com"}, nil)
	fx.makeSiteTree(t, "present.com")

	summary, err := fx.runner.Run(context.Background(), artifact.Timestamp("2024-01-01_03-00-00"))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sites)
	assert.Equal(t, 1, summary.SitesSkipped)
	assert.Zero(t, summary.SitesFailed)
}

func TestRun_UnsafeSiteNameIsSkipped(t *testing.T) {
	fx := newRunnerFixture(t, []string{"../escape", "good.com"}, nil)
	fx.makeSiteTree(t, "good.com")

	summary, err := fx.runner.Run(context.Background(), artifact.Timestamp("2024-01-01_03-00-00"))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sites)
	assert.Equal(t, 1, summary.SitesSkipped)
}

func TestRun_DumpFailureDoesNotAbortRemainingUnits(t *testing.T) {
	fx := newRunnerFixture(t, nil, []string{"bad_db", "good_db"})
	fx.dumper.failFor["bad_db"] = true

	summary, err := fx.runner.Run(context.Background(), artifact.Timestamp("2024-01-01_03-00-00"))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Databases)
	assert.Equal(t, 1, summary.DatabasesFailed)
	assert.Equal(t, []string{"good_db"}, fx.dumper.dumped)
	assert.True(t, summary.Uploaded)
}

func TestRun_ExportFailureDegradesGracefully(t *testing.T) {
	fx := newRunnerFixture(t, nil, []string{"example_db"})
	fx.exporter.err = errors.New("catalog unreadable")

	summary, err := fx.runner.Run(context.Background(), artifact.Timestamp("2024-01-01_03-00-00"))
	require.NoError(t, err)

	assert.False(t, summary.PrincipalsExported)
	assert.Equal(t, 1, summary.Databases)
	assert.NotContains(t, fx.store.uploaded, "db/users_2024-01-01_03-00-00.sql")
}

func TestRun_UploadFailureIsNotFatal(t *testing.T) {
	fx := newRunnerFixture(t, nil, []string{"example_db"})
	fx.store.err = errors.New("bucket unreachable")

	summary, err := fx.runner.Run(context.Background(), artifact.Timestamp("2024-01-01_03-00-00"))
	require.NoError(t, err)
	assert.False(t, summary.Uploaded)
}

func TestRun_ScratchTreeRemoved(t *testing.T) {
	fx := newRunnerFixture(t, nil, []string{"example_db"})

	_, err := fx.runner.Run(context.Background(), artifact.Timestamp("2024-01-01_03-00-00"))
	require.NoError(t, err)

	entries, err := os.ReadDir(fx.cfg.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch area must not leak artifacts across runs")
}

func TestRun_ScratchTreeRemovedOnUploadFailure(t *testing.T) {
	fx := newRunnerFixture(t, nil, []string{"example_db"})
	fx.store.err = errors.New("bucket unreachable")

	_, err := fx.runner.Run(context.Background(), artifact.Timestamp("2024-01-01_03-00-00"))
	require.NoError(t, err)

	entries, err := os.ReadDir(fx.cfg.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
