package restore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/stackback/internal/artifact"
	"github.com/edvin/stackback/internal/config"
	"github.com/edvin/stackback/internal/principal"
	"github.com/edvin/stackback/internal/storage"
)

const testTS = artifact.Timestamp("2024-01-01_03-00-00")

// fakeStore serves canned objects by key suffix.
type fakeStore struct {
	objects map[string][]byte // key suffix -> content
	gets    []string
}

func (f *fakeStore) PutTree(ctx context.Context, localDir, remotePrefix string) error {
	return errors.New("not used in restore tests")
}

func (f *fakeStore) Get(ctx context.Context, key, localPath string) (storage.Outcome, error) {
	f.gets = append(f.gets, key)
	for suffix, content := range f.objects {
		if strings.HasSuffix(key, suffix) {
			if err := os.MkdirAll(filepath.Dir(localPath), 0750); err != nil {
				return storage.OutcomeTransient, err
			}
			if err := os.WriteFile(localPath, content, 0640); err != nil {
				return storage.OutcomeTransient, err
			}
			return storage.OutcomeSuccess, nil
		}
	}
	return storage.OutcomeNotFound, errors.New("no such key: " + key)
}

type fakeDatabase struct {
	exists    bool
	tables    int
	existsErr error
	created   []string
	imported  []string
	importErr error
}

func (f *fakeDatabase) DatabaseExists(ctx context.Context, name string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeDatabase) TableCount(ctx context.Context, name string) (int, error) {
	return f.tables, nil
}

func (f *fakeDatabase) CreateDatabase(ctx context.Context, name string) error {
	f.created = append(f.created, name)
	f.exists = true
	return nil
}

func (f *fakeDatabase) Import(ctx context.Context, name, dumpPath string) error {
	if f.importErr != nil {
		return f.importErr
	}
	f.imported = append(f.imported, name)
	f.tables = 3
	return nil
}

type fakeExtractor struct {
	extracted []string
	err       error
}

func (f *fakeExtractor) Extract(ctx context.Context, archivePath, destDir string) error {
	if f.err != nil {
		return f.err
	}
	f.extracted = append(f.extracted, destDir)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destDir, "index.html"), []byte("restored"), 0644)
}

type fakeReconciler struct {
	calls []string
}

func (f *fakeReconciler) Reconcile(ctx context.Context, target string, mapping *principal.Mapping, script string) error {
	f.calls = append(f.calls, target)
	return nil
}

type fakeNormalizer struct {
	dirs []string
}

func (f *fakeNormalizer) Normalize(ctx context.Context, dir string) error {
	f.dirs = append(f.dirs, dir)
	return nil
}

type fixture struct {
	cfg        *config.Config
	store      *fakeStore
	db         *fakeDatabase
	extractor  *fakeExtractor
	reconciler *fakeReconciler
	normalizer *fakeNormalizer
	orch       *Orchestrator
}

func mappingJSON(t *testing.T) []byte {
	t.Helper()
	m := &principal.Mapping{Users: map[string]principal.Entry{
		"app@%": {Plugin: "mysql_native_password", Databases: []string{"example_db"}},
	}}
	data, err := m.Marshal()
	require.NoError(t, err)
	return data
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		cfg: &config.Config{
			Bucket:     "backups",
			Prefix:     "web01",
			Region:     "eu-north-1",
			SitesDir:   filepath.Join(t.TempDir(), "sites"),
			ScratchDir: t.TempDir(),
		},
		store: &fakeStore{objects: map[string][]byte{
			"sites/example.com_2024-01-01_03-00-00.tar.gz": []byte("archive"),
			"db/example_db_2024-01-01_03-00-00.sql.gz":     []byte("dump"),
			"db/user_dbs_2024-01-01_03-00-00.json":         mappingJSON(t),
			"db/users_2024-01-01_03-00-00.sql":             []byte("CREATE USER IF NOT EXISTS 'app'@'%';\n"),
		}},
		db:         &fakeDatabase{},
		extractor:  &fakeExtractor{},
		reconciler: &fakeReconciler{},
		normalizer: &fakeNormalizer{},
	}
	fx.orch = NewOrchestrator(zerolog.Nop(), fx.cfg, fx.store, fx.db,
		fx.extractor, fx.reconciler, fx.normalizer)
	return fx
}

func TestRun_FreshRestore(t *testing.T) {
	fx := newFixture(t)

	result, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.Site.State)
	assert.Equal(t, StateDone, result.Database.State)

	target := filepath.Join(fx.cfg.SitesDir, "example.com")
	assert.Equal(t, []string{target}, fx.extractor.extracted)
	assert.Equal(t, []string{target}, fx.normalizer.dirs, "ownership normalization applies unconditionally")
	assert.Equal(t, []string{"example_db"}, fx.db.created)
	assert.Equal(t, []string{"example_db"}, fx.db.imported)
	assert.Equal(t, []string{"example_db"}, fx.reconciler.calls)
}

func TestRun_FetchKeysMatchBackupScheme(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)

	assert.Contains(t, fx.store.gets, "web01/2024-01-01_03-00-00/sites/example.com_2024-01-01_03-00-00.tar.gz")
	assert.Contains(t, fx.store.gets, "web01/2024-01-01_03-00-00/db/example_db_2024-01-01_03-00-00.sql.gz")
	assert.Contains(t, fx.store.gets, "web01/2024-01-01_03-00-00/db/user_dbs_2024-01-01_03-00-00.json")
	assert.Contains(t, fx.store.gets, "web01/2024-01-01_03-00-00/db/users_2024-01-01_03-00-00.sql")
}

func TestRun_NonEmptySiteTreeIsSkipped(t *testing.T) {
	fx := newFixture(t)
	target := filepath.Join(fx.cfg.SitesDir, "example.com")
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "live.html"), []byte("live"), 0644))

	result, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)

	// Site skipped and untouched; database still restored independently.
	assert.Equal(t, StateSkipped, result.Site.State)
	assert.Empty(t, fx.extractor.extracted)
	assert.Empty(t, fx.normalizer.dirs)
	assert.Equal(t, StateDone, result.Database.State)

	content, err := os.ReadFile(filepath.Join(target, "live.html"))
	require.NoError(t, err)
	assert.Equal(t, "live", string(content))
}

func TestRun_EmptySiteDirectoryProceeds(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(fx.cfg.SitesDir, "example.com"), 0755))

	result, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.Site.State)
}

func TestRun_NonEmptyDatabaseIsSkipped(t *testing.T) {
	fx := newFixture(t)
	fx.db.exists = true
	fx.db.tables = 5

	result, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)

	assert.Equal(t, StateSkipped, result.Database.State)
	assert.Empty(t, fx.db.imported)
	// No DONE database unit, no principal reconciliation.
	assert.Empty(t, fx.reconciler.calls)
	// Site unit is unaffected.
	assert.Equal(t, StateDone, result.Site.State)
}

func TestRun_ExistingEmptyDatabaseIsRestoredWithoutCreate(t *testing.T) {
	fx := newFixture(t)
	fx.db.exists = true
	fx.db.tables = 0

	result, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.Database.State)
	assert.Empty(t, fx.db.created)
	assert.Equal(t, []string{"example_db"}, fx.db.imported)
}

func TestRun_MissingDumpFailsUnitOnly(t *testing.T) {
	fx := newFixture(t)
	delete(fx.store.objects, "db/example_db_2024-01-01_03-00-00.sql.gz")

	result, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, result.Database.State)
	assert.Contains(t, result.Database.Reason, "not-found")
	// Sibling site unit is unaffected.
	assert.Equal(t, StateDone, result.Site.State)
	// Reconciliation is skipped because the database unit did not reach DONE.
	assert.Empty(t, fx.reconciler.calls)
}

func TestRun_ExtractFailureFailsSiteUnit(t *testing.T) {
	fx := newFixture(t)
	fx.extractor.err = errors.New("corrupt archive")

	result, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, result.Site.State)
	assert.Equal(t, StateDone, result.Database.State)
}

func TestRun_MissingPrincipalArtifactsDegradesGracefully(t *testing.T) {
	fx := newFixture(t)
	delete(fx.store.objects, "db/user_dbs_2024-01-01_03-00-00.json")

	result, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)

	// Content restoration completed and is not rolled back.
	assert.Equal(t, StateDone, result.Database.State)
	assert.Equal(t, []string{"example_db"}, fx.db.imported)
	// User restoration skipped entirely.
	assert.Empty(t, fx.reconciler.calls)
}

func TestRun_IdempotentSecondRunSkipsEverything(t *testing.T) {
	fx := newFixture(t)

	first, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)
	require.Equal(t, StateDone, first.Site.State)
	require.Equal(t, StateDone, first.Database.State)

	second, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)

	assert.Equal(t, StateSkipped, second.Site.State)
	assert.Equal(t, StateSkipped, second.Database.State)
	// No second extraction or import happened.
	assert.Len(t, fx.extractor.extracted, 1)
	assert.Len(t, fx.db.imported, 1)
}

func TestRun_UnsafeSiteNameFails(t *testing.T) {
	fx := newFixture(t)

	result, err := fx.orch.Run(context.Background(), "../etc", "example_db", testTS)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, result.Site.State)
	assert.Empty(t, fx.extractor.extracted)
}

func TestRun_ScratchTreeRemoved(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.Run(context.Background(), "example.com", "example_db", testTS)
	require.NoError(t, err)

	entries, err := os.ReadDir(fx.cfg.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnitState_String(t *testing.T) {
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "SKIPPED", StateSkipped.String())
	assert.Equal(t, "FAILED", StateFailed.String())
}
