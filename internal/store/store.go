// Package store provides the persisted users/sessions/tasks/instances
// model over a Postgres connection pool.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropzone/dropzone/internal/apperr"
	"github.com/dropzone/dropzone/internal/model"
)

// Store provides database operations for the core entity model.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const instanceColumns = `id, task_name, container_id, user_id, created_at, expires_at, status, endpoint, port`

func scanInstance(row pgx.Row) (model.Instance, error) {
	var inst model.Instance
	var port *int32
	if err := row.Scan(
		&inst.ID, &inst.TaskName, &inst.Container, &inst.UserID,
		&inst.CreatedAt, &inst.ExpiresAt, &inst.Status, &inst.Endpoint, &port,
	); err != nil {
		return model.Instance{}, err
	}
	if port != nil {
		p := int(*port)
		inst.Port = &p
	}
	return inst, nil
}

func scanInstances(rows pgx.Rows) ([]model.Instance, error) {
	defer rows.Close()
	var out []model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instance rows: %w", err)
	}
	return out, nil
}

// FindOrCreateUser returns the existing user row for username, or inserts
// and returns a new one. Transactional upsert per spec.
func (s *Store) FindOrCreateUser(ctx context.Context, username string) (model.User, error) {
	var user model.User

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT id, username, created_at FROM users WHERE username = $1`, username)
		err := row.Scan(&user.ID, &user.Username, &user.CreatedAt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("looking up user: %w", err)
		}

		row = tx.QueryRow(ctx,
			`INSERT INTO users (username, created_at) VALUES ($1, now())
			 ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
			 RETURNING id, username, created_at`,
			username,
		)
		return row.Scan(&user.ID, &user.Username, &user.CreatedAt)
	})
	if err != nil {
		return model.User{}, apperr.Storage("find or create user", err)
	}
	return user, nil
}

// CreateSession inserts a new session row. Token is the primary key;
// collisions are the caller's responsibility to avoid.
func (s *Store) CreateSession(ctx context.Context, token string, userID int64, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES ($1, $2, now(), $3)`,
		token, userID, expiresAt,
	)
	if err != nil {
		return apperr.Storage("create session", err)
	}
	return nil
}

// FindValidSessionForUser returns a currently-valid token for the user, if any.
func (s *Store) FindValidSessionForUser(ctx context.Context, userID int64) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at, expires_at FROM sessions
		 WHERE user_id = $1 AND expires_at > now()
		 ORDER BY created_at DESC LIMIT 1`,
		userID,
	)

	var sess model.Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("find valid session", err)
	}
	return &sess, nil
}

// GetSession returns a session row by token regardless of expiry. The
// token-reuse path does not call it; it takes the original expiry from
// FindValidSessionForUser.
func (s *Store) GetSession(ctx context.Context, token string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = $1`, token,
	)

	var sess model.Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("get session", err)
	}
	return &sess, nil
}

// ValidateSession returns the owning user only if the session is unexpired.
func (s *Store) ValidateSession(ctx context.Context, token string) (*model.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT u.id, u.username, u.created_at FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.id = $1 AND s.expires_at > now()`,
		token,
	)

	var user model.User
	if err := row.Scan(&user.ID, &user.Username, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("validate session", err)
	}
	return &user, nil
}

// EnsureTask idempotently inserts a task; a conflict on name is ignored.
func (s *Store) EnsureTask(ctx context.Context, name, recipePath string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (name, dockerfile_path, created_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO NOTHING`,
		name, recipePath,
	)
	if err != nil {
		return apperr.Storage("ensure task", err)
	}
	return nil
}

// serializationFailureCode is Postgres SQLSTATE 40001.
const serializationFailureCode = "40001"

// CreateInstanceForUser inserts a Running instance for the user, closing the
// quota race (spec §9) by performing the running-count check and the insert
// in a single SERIALIZABLE transaction, retried once on a serialization
// failure.
func (s *Store) CreateInstanceForUser(ctx context.Context, draft model.Draft, userID int64, maxInstances int) (model.Instance, error) {
	var inst model.Instance
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		inst, lastErr = s.createInstanceForUserOnce(ctx, draft, userID, maxInstances)
		var pgErr *pgconn.PgError
		if errors.As(lastErr, &pgErr) && pgErr.Code == serializationFailureCode {
			continue
		}
		return inst, lastErr
	}
	return inst, lastErr
}

func (s *Store) createInstanceForUserOnce(ctx context.Context, draft model.Draft, userID int64, maxInstances int) (model.Instance, error) {
	var inst model.Instance

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM instances WHERE user_id = $1 AND status = 'Running'`, userID,
		).Scan(&count); err != nil {
			return fmt.Errorf("counting running instances: %w", err)
		}

		if count >= maxInstances {
			return apperr.BadRequest("instance limit reached")
		}

		var port *int32
		if draft.Port != nil {
			p := int32(*draft.Port)
			port = &p
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO instances (task_name, container_id, user_id, created_at, expires_at, status, endpoint, port)
			 VALUES ($1, $2, $3, now(), $4, 'Running', $5, $6)
			 RETURNING `+instanceColumns,
			draft.TaskName, draft.Container, userID, draft.ExpiresAt, draft.Endpoint, port,
		)

		var err error
		inst, err = scanInstance(row)
		return err
	})

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return model.Instance{}, err
	}
	if err != nil {
		return model.Instance{}, apperr.Storage("create instance", err)
	}
	return inst, nil
}

// FindInstanceByID returns an instance by ID, or nil if not found.
func (s *Store) FindInstanceByID(ctx context.Context, id int64) (*model.Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("find instance", err)
	}
	return &inst, nil
}

// CountRunningInstancesForUser returns the number of Running instances owned by the user.
func (s *Store) CountRunningInstancesForUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM instances WHERE user_id = $1 AND status = 'Running'`, userID,
	).Scan(&count)
	if err != nil {
		return 0, apperr.Storage("count running instances", err)
	}
	return count, nil
}

// ListInstancesForUser returns the user's Running instances.
func (s *Store) ListInstancesForUser(ctx context.Context, userID int64) ([]model.Instance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE user_id = $1 AND status = 'Running' ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, apperr.Storage("list instances for user", err)
	}
	return scanInstances(rows)
}

// ListExpiredInstances returns Running instances whose expires_at is before now.
func (s *Store) ListExpiredInstances(ctx context.Context, now time.Time) ([]model.Instance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE status = 'Running' AND expires_at < $1`,
		now,
	)
	if err != nil {
		return nil, apperr.Storage("list expired instances", err)
	}
	return scanInstances(rows)
}

// UpdateInstance writes a new status and expiry for the instance.
func (s *Store) UpdateInstance(ctx context.Context, id int64, status model.InstanceStatus, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE instances SET status = $1, expires_at = $2 WHERE id = $3`,
		status, expiresAt, id,
	)
	if err != nil {
		return apperr.Storage("update instance", err)
	}
	return nil
}

// UpdateInstanceStatus writes a new status for the instance, leaving expiry untouched.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id int64, status model.InstanceStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE instances SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return apperr.Storage("update instance status", err)
	}
	return nil
}

// Ping satisfies httpserver.Pinger for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
