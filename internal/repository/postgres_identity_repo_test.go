package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/lib/pq"
)

func newIdentityRepoWithMock(t *testing.T) (*PostgresIdentityRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresIdentityRepo(db), mock
}

var identityRowColumns = []string{
	"id", "username", "email", "password_hash", "role", "tier", "birth_date",
	"mfa_secret", "mfa_enabled", "disabled", "created_at", "last_login_at",
}

func TestPostgresIdentityRepo_Create(t *testing.T) {
	repo, mock := newIdentityRepoWithMock(t)
	identity := &model.Identity{
		ID:           "id-1",
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "pbkdf2-sha256$10000$abc$def",
		Role:         model.RoleStudent,
		Tier:         model.TierBasic,
		CreatedAt:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+identities`).
		WithArgs("id-1", "alice", "alice@example.com", identity.PasswordHash, "student", "basic",
			sqlmock.AnyArg(), "", false, false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Create(context.Background(), identity); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresIdentityRepo_Create_UniqueViolation(t *testing.T) {
	repo, mock := newIdentityRepoWithMock(t)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+identities`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := repo.Create(context.Background(), &model.Identity{ID: "id-2", Username: "Alice"})
	if !errors.Is(err, model.ErrDuplicateIdentity) {
		t.Errorf("Create() error = %v, want ErrDuplicateIdentity", err)
	}
}

func TestPostgresIdentityRepo_Create_OtherError(t *testing.T) {
	repo, mock := newIdentityRepoWithMock(t)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+identities`).
		WillReturnError(errors.New("connection reset"))

	err := repo.Create(context.Background(), &model.Identity{ID: "id-3"})
	if err == nil || errors.Is(err, model.ErrDuplicateIdentity) {
		t.Errorf("Create() error = %v, want wrapped driver error", err)
	}
}

func TestPostgresIdentityRepo_FindByUsername_CaseInsensitive(t *testing.T) {
	repo, mock := newIdentityRepoWithMock(t)
	created := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	birth := time.Date(2012, 4, 2, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(identityRowColumns).
		AddRow("id-1", "alice", "alice@example.com", "hash", "teacher", "premium", birth,
			"enc-secret", true, false, created, nil)
	mock.ExpectQuery(`(?s)FROM\s+identities\s+WHERE\s+lower\(username\)\s*=\s*lower\(\$1\)`).
		WithArgs("ALICE").
		WillReturnRows(rows)

	got, err := repo.FindByUsername(context.Background(), "ALICE")
	if err != nil {
		t.Fatalf("FindByUsername() error = %v", err)
	}
	if got == nil {
		t.Fatal("FindByUsername() = nil")
	}
	if got.Role != model.RoleTeacher || got.Tier != model.TierPremium || !got.MFAEnabled {
		t.Errorf("identity = %+v", got)
	}
	if got.BirthDate == nil || !got.BirthDate.Equal(birth) {
		t.Errorf("BirthDate = %v, want %v", got.BirthDate, birth)
	}
	if got.LastLoginAt != nil {
		t.Errorf("LastLoginAt = %v, want nil", got.LastLoginAt)
	}
}

func TestPostgresIdentityRepo_FindByID_NotFound(t *testing.T) {
	repo, mock := newIdentityRepoWithMock(t)

	mock.ExpectQuery(`(?s)FROM\s+identities\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.FindByID(context.Background(), "missing")
	if err != nil || got != nil {
		t.Errorf("FindByID() = %v, %v; want nil, nil", got, err)
	}
}

func TestPostgresIdentityRepo_Updates(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		run     func(r *PostgresIdentityRepo) error
	}{
		{"last login", `UPDATE\s+identities\s+SET\s+last_login_at`, func(r *PostgresIdentityRepo) error {
			return r.UpdateLastLogin(context.Background(), "id-1", time.Now())
		}},
		{"mfa", `UPDATE\s+identities\s+SET\s+mfa_secret`, func(r *PostgresIdentityRepo) error {
			return r.UpdateMFA(context.Background(), "id-1", "enc", true)
		}},
		{"disabled", `UPDATE\s+identities\s+SET\s+disabled`, func(r *PostgresIdentityRepo) error {
			return r.SetDisabled(context.Background(), "id-1", true)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newIdentityRepoWithMock(t)
			mock.ExpectExec(tt.pattern).WillReturnResult(sqlmock.NewResult(0, 1))
			if err := tt.run(repo); err != nil {
				t.Errorf("error = %v", err)
			}

			mock.ExpectExec(tt.pattern).WillReturnResult(sqlmock.NewResult(0, 0))
			if err := tt.run(repo); !errors.Is(err, model.ErrIdentityNotFound) {
				t.Errorf("no rows error = %v, want ErrIdentityNotFound", err)
			}
		})
	}
}
