package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/prophecy/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Predictions ---

const predictionColumns = `id, owner_id, question, file_ref, file_name, status, result, error_message, deadline_at, created_at, updated_at`

var openStatuses = []string{models.StatusPending, models.StatusProcessing}

func (s *PostgresStore) CreatePrediction(ctx context.Context, p *models.Prediction) error {
	if p.Result != nil || models.IsTerminalStatus(p.Status) {
		return fmt.Errorf("create prediction: must start in an open status without result")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO predictions (id, owner_id, question, file_ref, file_name, status, deadline_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.OwnerID, p.Question, p.FileRef, p.FileName, p.Status, p.DeadlineAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create prediction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPrediction(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Prediction, error) {
	p, err := scanPrediction(s.pool.QueryRow(ctx,
		`SELECT `+predictionColumns+` FROM predictions WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPredictions(ctx context.Context, ownerID uuid.UUID) ([]*models.Prediction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+predictionColumns+` FROM predictions WHERE owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	return collectPredictions(rows)
}

func (s *PostgresStore) FinishPrediction(ctx context.Context, id uuid.UUID, ownerID uuid.UUID, fin Finish) (*models.Prediction, error) {
	raw, err := encodeFinish(fin)
	if err != nil {
		return nil, err
	}

	p, err := scanPrediction(s.pool.QueryRow(ctx,
		`UPDATE predictions SET status = $3, result = $4, error_message = $5, updated_at = $6
		 WHERE id = $1 AND owner_id = $2 AND status = ANY($7)
		 RETURNING `+predictionColumns,
		id, ownerID, fin.Status, raw, fin.ErrorMessage, fin.At, openStatuses))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("finish prediction: %w", err)
	}

	// Nothing updated: either missing for this owner or already terminal.
	var current string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM predictions WHERE id = $1 AND owner_id = $2`, id, ownerID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction status: %w", err)
	}
	return nil, ErrAlreadyFinal
}

func (s *PostgresStore) FailOverdue(ctx context.Context, now time.Time, reason string) ([]*models.Prediction, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE predictions SET status = $1, error_message = $2, updated_at = $3
		 WHERE status = ANY($4) AND deadline_at < $3
		 RETURNING `+predictionColumns,
		models.StatusFailed, reason, now, openStatuses)
	if err != nil {
		return nil, fmt.Errorf("fail overdue predictions: %w", err)
	}
	return collectPredictions(rows)
}

// encodeFinish validates a terminal transition and returns the JSON to
// store in the result column (nil for failures).
func encodeFinish(fin Finish) ([]byte, error) {
	switch fin.Status {
	case models.StatusCompleted:
		if err := fin.Result.Validate(); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(fin.Result)
		if err != nil {
			return nil, fmt.Errorf("encode outcome: %w", err)
		}
		return raw, nil
	case models.StatusFailed:
		if fin.Result != nil {
			return nil, fmt.Errorf("failed prediction cannot carry a result")
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid terminal status %q", fin.Status)
	}
}

func collectPredictions(rows pgx.Rows) ([]*models.Prediction, error) {
	defer rows.Close()

	predictions := []*models.Prediction{}
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

func scanPrediction(row pgx.Row) (*models.Prediction, error) {
	var p models.Prediction
	var raw []byte
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Question, &p.FileRef, &p.FileName, &p.Status,
		&raw, &p.ErrorMessage, &p.DeadlineAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if raw != nil {
		var o models.Outcome
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("decode outcome of %s: %w", p.ID, err)
		}
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("stored outcome of %s: %w", p.ID, err)
		}
		p.Result = &o
	}
	return &p, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
