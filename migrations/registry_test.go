package migrations

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	dispatch "github.com/goliatone/go-dispatch"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems(nil)
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}
	for _, entry := range filesystems {
		matches, globErr := fs.Glob(entry.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", entry.Dialect, globErr)
		}
		if len(matches) != 4 {
			t.Fatalf("expected 4 %s up migrations, got %d", entry.Dialect, len(matches))
		}
	}
}

func TestMigrationPairs_ExistForBothDialects(t *testing.T) {
	root := dispatch.GetMigrationsFS()
	for _, name := range []string{
		"00001_dispatch_events",
		"00002_dispatch_triggers",
		"00003_dispatch_leases",
		"00004_dispatch_notifications",
	} {
		for _, dir := range []string{"data/sql/migrations/", "data/sql/migrations/sqlite/"} {
			for _, suffix := range []string{".up.sql", ".down.sql"} {
				if _, err := fs.ReadFile(root, dir+name+suffix); err != nil {
					t.Fatalf("read %s%s%s: %v", dir, name, suffix, err)
				}
			}
		}
	}
}

func TestSQLiteMigrations_AvoidPostgresTypes(t *testing.T) {
	root := dispatch.GetMigrationsFS()
	matches, err := fs.Glob(root, "data/sql/migrations/sqlite/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	for _, path := range matches {
		content, err := fs.ReadFile(root, path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		upper := strings.ToUpper(string(content))
		for _, token := range []string{"TIMESTAMPTZ", "JSONB", "BYTEA"} {
			if strings.Contains(upper, token) {
				t.Fatalf("%s uses postgres-only type %s", path, token)
			}
		}
	}
}

func TestRegister_OnlyRequestedDialect(t *testing.T) {
	var calls []string
	err := Register(context.Background(), "SQLite", func(_ context.Context, dialect string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != DialectSQLite {
		t.Fatalf("expected single sqlite registration, got %v", calls)
	}
	if err := Register(context.Background(), "oracle", func(context.Context, string, fs.FS) error { return nil }); err == nil {
		t.Fatalf("expected unsupported dialect error")
	}
}

func TestDialectForDriver(t *testing.T) {
	cases := map[string]string{"sqlite3": DialectSQLite, "postgres": DialectPostgres, "pgx": DialectPostgres}
	for driver, want := range cases {
		got, err := DialectForDriver(driver)
		if err != nil || got != want {
			t.Fatalf("driver %s: got %q err %v", driver, got, err)
		}
	}
	if _, err := DialectForDriver("mysql"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
