package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := ListMigrations(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for _, m := range migrations {
		if m.DownPath == "" {
			t.Fatalf("version %s must include both up and down files", m.Version)
		}
	}
}

func TestListMigrationsSortsAndRejectsOrphanDown(t *testing.T) {
	dir := t.TempDir()
	write := func(name string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("0002_tags.up.sql")
	write("0001_init.up.sql")
	write("0001_init.down.sql")
	write("README.md")

	migrations, err := ListMigrations(dir)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != "0001_init" || migrations[1].Version != "0002_tags" {
		t.Fatalf("unexpected order: %+v", migrations)
	}
	if migrations[1].DownPath != "" {
		t.Fatalf("0002 has no down file, got %q", migrations[1].DownPath)
	}

	write("0003_orphan.down.sql")
	if _, err := ListMigrations(dir); err == nil {
		t.Fatal("expected error for a down file without an up file")
	}
}
