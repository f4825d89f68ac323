package sessions

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLoadMigrations(t *testing.T) {
	for _, dialect := range []Dialect{Postgres, SQLite} {
		t.Run(dialect.Name, func(t *testing.T) {
			migrations, err := loadMigrations(dialect.MigrationsDir())
			if err != nil {
				t.Fatalf("loadMigrations() error = %v", err)
			}
			if len(migrations) != 2 {
				t.Fatalf("len(migrations) = %d, want 2", len(migrations))
			}
			if migrations[0].ID != "0001_sessions" || migrations[1].ID != "0002_session_events" {
				t.Errorf("migration order = %s, %s", migrations[0].ID, migrations[1].ID)
			}
			for _, m := range migrations {
				if strings.TrimSpace(m.UpSQL) == "" || strings.TrimSpace(m.DownSQL) == "" {
					t.Errorf("migration %s missing up or down SQL", m.ID)
				}
			}
			if !strings.Contains(migrations[1].UpSQL, "UNIQUE (session_id, sequence_number)") {
				t.Errorf("session_events migration lacks the sequence unique constraint")
			}
		})
	}
}

func TestMigrator_UpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db, Postgres)
	if err != nil {
		t.Fatalf("NewMigrator() error = %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}).AddRow("0001_sessions", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS session_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations \\(id\\) VALUES \\(\\$1\\)").
		WithArgs("0002_session_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := migrator.Up(context.Background(), 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_session_events" {
		t.Errorf("Up() applied = %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestMigrator_Status(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db, SQLite)
	if err != nil {
		t.Fatalf("NewMigrator() error = %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}))

	applied, pending, err := migrator.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(applied) != 0 || len(pending) != 2 {
		t.Errorf("Status() applied=%d pending=%d, want 0 and 2", len(applied), len(pending))
	}
}
