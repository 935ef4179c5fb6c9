// Package intake stores files attached to predictions. Content is addressed
// by its BLAKE3 digest and kept zstd-compressed in Postgres.
package intake

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// ErrStorage wraps every failure to persist an upload.
var ErrStorage = errors.New("file storage failed")

var ErrNotFound = errors.New("file not found")

const refPrefix = "blake3:"

// Upload is a file as received from a submitter.
type Upload struct {
	Name        string
	ContentType string
	Content     []byte
}

// File is a stored upload read back in full.
type File struct {
	OwnerID     uuid.UUID
	Ref         string
	Name        string
	ContentType string
	Size        int64
	Content     []byte
	CreatedAt   time.Time
}

// Intake accepts uploads and returns an opaque reference to them.
type Intake interface {
	Store(ctx context.Context, owner uuid.UUID, up Upload) (string, error)
	Open(ctx context.Context, owner uuid.UUID, ref string) (*File, error)
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("intake: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("intake: zstd decoder initialization failed: " + err.Error())
	}
}

// Ref returns the content reference for data.
func Ref(data []byte) string {
	sum := blake3.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// PostgresStore keeps uploads in the prediction_files table.
type PostgresStore struct {
	pool     *pgxpool.Pool
	maxBytes int64
}

// NewPostgresStore creates a PostgresStore rejecting uploads over maxBytes.
func NewPostgresStore(pool *pgxpool.Pool, maxBytes int64) *PostgresStore {
	return &PostgresStore{pool: pool, maxBytes: maxBytes}
}

// Store persists up for owner. Identical content from the same owner is
// stored once and yields the same reference.
func (s *PostgresStore) Store(ctx context.Context, owner uuid.UUID, up Upload) (string, error) {
	if up.Name == "" {
		return "", fmt.Errorf("%w: file name is required", ErrStorage)
	}
	if len(up.Content) == 0 {
		return "", fmt.Errorf("%w: file is empty", ErrStorage)
	}
	if s.maxBytes > 0 && int64(len(up.Content)) > s.maxBytes {
		return "", fmt.Errorf("%w: file is %d bytes, limit is %d", ErrStorage, len(up.Content), s.maxBytes)
	}

	contentType := up.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(up.Content)
	}

	ref := Ref(up.Content)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prediction_files (owner_id, ref, name, content_type, size_bytes, content_zstd)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (owner_id, ref) DO NOTHING`,
		owner, ref, up.Name, contentType, len(up.Content), encoder.EncodeAll(up.Content, nil))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return ref, nil
}

// Open reads back a file owned by owner.
func (s *PostgresStore) Open(ctx context.Context, owner uuid.UUID, ref string) (*File, error) {
	f := &File{OwnerID: owner, Ref: ref}
	var compressed []byte
	err := s.pool.QueryRow(ctx,
		`SELECT name, content_type, size_bytes, content_zstd, created_at
		 FROM prediction_files WHERE owner_id = $1 AND ref = $2`, owner, ref,
	).Scan(&f.Name, &f.ContentType, &f.Size, &compressed, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	f.Content, err = decoder.DecodeAll(compressed, make([]byte, 0, f.Size))
	if err != nil {
		return nil, fmt.Errorf("decompress file %s: %w", ref, err)
	}
	if int64(len(f.Content)) != f.Size {
		return nil, fmt.Errorf("decompress file %s: got %d bytes, expected %d", ref, len(f.Content), f.Size)
	}
	if Ref(f.Content) != ref {
		return nil, fmt.Errorf("file %s: content digest mismatch", ref)
	}
	return f, nil
}

var _ Intake = (*PostgresStore)(nil)
