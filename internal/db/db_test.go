package db

import "testing"

func TestRebind(t *testing.T) {
	q := `UPDATE stamp_sets SET stage=?, updated_at=? WHERE id=?`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite should keep placeholders, got %s", got)
	}
	want := `UPDATE stamp_sets SET stage=$1, updated_at=$2 WHERE id=$3`
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestConfigDialect(t *testing.T) {
	if (Config{Driver: "pgx"}).Dialect() != Postgres {
		t.Fatalf("pgx should map to postgres")
	}
	if (Config{}).Dialect() != SQLite {
		t.Fatalf("default should be sqlite")
	}
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
