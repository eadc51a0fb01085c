package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/guardian/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation は一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

const identityColumns = `id, username, email, password_hash, role, tier, birth_date,
		        mfa_secret, mfa_enabled, disabled, created_at, last_login_at`

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// Create はidentityを作成する。
// ユーザー名（大文字小文字を区別しない）またはメールアドレスが重複する場合はErrDuplicateIdentityを返す。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identities (id, username, email, password_hash, role, tier, birth_date,
		                         mfa_secret, mfa_enabled, disabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		identity.ID, identity.Username, identity.Email, identity.PasswordHash,
		string(identity.Role), string(identity.Tier), identity.BirthDate,
		identity.MFASecret, identity.MFAEnabled, identity.Disabled, identity.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("failed to insert identity: %w", model.ErrDuplicateIdentity)
		}
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+`
		 FROM identities
		 WHERE id = $1`,
		id,
	)
	identity, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by ID: %w", err)
	}
	return identity, nil
}

// FindByUsername はユーザー名でidentityを取得する。大文字小文字は区別しない。
// 見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByUsername(ctx context.Context, username string) (*model.Identity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+`
		 FROM identities
		 WHERE lower(username) = lower($1)`,
		username,
	)
	identity, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by username: %w", err)
	}
	return identity, nil
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (r *PostgresIdentityRepo) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "update last login",
		`UPDATE identities SET last_login_at = $2 WHERE id = $1`,
		id, at,
	)
}

// UpdateMFA は暗号化済みMFAシークレットと有効フラグを更新する。
func (r *PostgresIdentityRepo) UpdateMFA(ctx context.Context, id, encryptedSecret string, enabled bool) error {
	return r.exec(ctx, "update mfa",
		`UPDATE identities SET mfa_secret = $2, mfa_enabled = $3 WHERE id = $1`,
		id, encryptedSecret, enabled,
	)
}

// SetDisabled はidentityの無効化フラグを更新する。
func (r *PostgresIdentityRepo) SetDisabled(ctx context.Context, id string, disabled bool) error {
	return r.exec(ctx, "set disabled",
		`UPDATE identities SET disabled = $2 WHERE id = $1`,
		id, disabled,
	)
}

// exec は更新系クエリを実行し、対象行がなければErrIdentityNotFoundを返す。
func (r *PostgresIdentityRepo) exec(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("failed to %s: %w", op, model.ErrIdentityNotFound)
	}
	return nil
}

func scanIdentity(row *sql.Row) (*model.Identity, error) {
	var (
		identity  model.Identity
		role      string
		tier      string
		birthDate sql.NullTime
		lastLogin sql.NullTime
	)
	err := row.Scan(
		&identity.ID, &identity.Username, &identity.Email, &identity.PasswordHash,
		&role, &tier, &birthDate,
		&identity.MFASecret, &identity.MFAEnabled, &identity.Disabled,
		&identity.CreatedAt, &lastLogin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	identity.Role = model.Role(role)
	identity.Tier = model.Tier(tier)
	if birthDate.Valid {
		identity.BirthDate = &birthDate.Time
	}
	if lastLogin.Valid {
		identity.LastLoginAt = &lastLogin.Time
	}
	return &identity, nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
