package usecase

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"session-key-service/internal/domain"
	"session-key-service/internal/repository"
	"session-key-service/migrations"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
	ensureErr         error
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
	}
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	return m.ensureErr
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	_, exists := m.appliedMigrations[version]
	return exists, nil
}

func (m *mockMigrationRepository) markApplied(versions ...string) {
	now := time.Now()
	for _, v := range versions {
		m.appliedMigrations[v] = &domain.Migration{
			Version:   v,
			AppliedAt: &now,
			Status:    domain.MigrationStatusApplied,
		}
	}
}

// testMigrations はテスト用のマイグレーションFSを返す。
func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"001_create_alpha.sql": {Data: []byte("CREATE TABLE alpha (id INT);")},
		"002_create_beta.sql":  {Data: []byte("CREATE TABLE beta (id INT);")},
		"003_create_gamma.sql": {Data: []byte("CREATE TABLE gamma (id INT);")},
		"README.md":            {Data: []byte("ignored")},
	}
}

// openMemoryDB はテスト用のインメモリSQLiteを開く。
// 接続ごとに別DBになるため接続数を1に固定する。
func openMemoryDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// setupMigrationDB はschema_migrationsを持つインメモリSQLiteを作成する。
func setupMigrationDB(t *testing.T) *gorm.DB {
	t.Helper()

	db := openMemoryDB(t)
	if err := db.Exec("CREATE TABLE schema_migrations (version VARCHAR(14) PRIMARY KEY, applied_at DATETIME NOT NULL)").Error; err != nil {
		t.Fatalf("failed to create schema_migrations table: %v", err)
	}
	return db
}

func tableExists(t *testing.T, db *gorm.DB, table string) bool {
	t.Helper()
	var count int64
	if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count).Error; err != nil {
		t.Fatalf("failed to check table %s: %v", table, err)
	}
	return count == 1
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationDB(t)
	service := NewMigrationService(newMockMigrationRepository(), db, testMigrations())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied, got %d", count)
	}

	for _, table := range []string{"alpha", "beta", "gamma"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s was not created", table)
		}
	}

	var recorded int64
	db.Table("schema_migrations").Count(&recorded)
	if recorded != 3 {
		t.Errorf("expected 3 recorded versions, got %d", recorded)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationDB(t)
	repo := newMockMigrationRepository()
	repo.markApplied("001", "002")

	service := NewMigrationService(repo, db, testMigrations())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
	if tableExists(t, db, "alpha") {
		t.Error("already applied migration was executed again")
	}
}

func TestMigrationService_ApplyMigrations_InvalidSQL(t *testing.T) {
	ctx := context.Background()
	db := setupMigrationDB(t)
	fsys := testMigrations()
	fsys["004_invalid.sql"] = &fstest.MapFile{Data: []byte("INVALID SQL SYNTAX;")}

	service := NewMigrationService(newMockMigrationRepository(), db, fsys)

	count, err := service.ApplyMigrations(ctx)
	if err == nil {
		t.Fatal("expected error for invalid SQL, but got nil")
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied before failure, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_InvalidFileName(t *testing.T) {
	fsys := fstest.MapFS{"noversion.sql": {Data: []byte("SELECT 1;")}}
	service := NewMigrationService(newMockMigrationRepository(), setupMigrationDB(t), fsys)

	if _, err := service.ApplyMigrations(context.Background()); err == nil {
		t.Fatal("expected error for invalid file name")
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	repo.markApplied("001")

	service := NewMigrationService(repo, setupMigrationDB(t), testMigrations())

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	expectedStatuses := map[string]domain.MigrationStatus{
		"001": domain.MigrationStatusApplied,
		"002": domain.MigrationStatusPending,
		"003": domain.MigrationStatusPending,
	}
	for _, migration := range migrations {
		if migration.Status != expectedStatuses[migration.Version] {
			t.Errorf("migration %s: expected status %s, got %s", migration.Version, expectedStatuses[migration.Version], migration.Status)
		}
	}
}

// 埋め込みマイグレーションを実リポジトリで適用し、session_keysが作られることを確認する。
func TestMigrationService_EmbeddedMigrations(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t)

	service := NewMigrationService(repository.NewMigrationRepository(db), db, migrations.FS)

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count == 0 {
		t.Fatal("expected embedded migrations to be applied")
	}
	if !tableExists(t, db, "session_keys") {
		t.Error("session_keys table was not created")
	}

	// 2回目は何も適用されない
	count, err = service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("second ApplyMigrations failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 migrations on second run, got %d", count)
	}
}
