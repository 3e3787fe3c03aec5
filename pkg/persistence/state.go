package persistence

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"braindrive/pkg/config"
)

// Compression types used in the state_blobs table.
const (
	compressionNone = "none"
	compressionGzip = "gzip"
)

// SaveState stores an opaque serialized blob under key. Payloads above the
// compression threshold are stored gzip-compressed and base64-encoded;
// smaller ones are stored verbatim.
func (s *Store) SaveState(ctx context.Context, key string, data []byte) error {
	compressionType := compressionNone
	stored := string(data)

	if len(data) > config.StateCompressionThreshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return fmt.Errorf("failed to compress state %s: %w", key, err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish compressing state %s: %w", key, err)
		}
		compressionType = compressionGzip
		stored = base64.StdEncoding.EncodeToString(buf.Bytes())
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_blobs (key, compression_type, state_size, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			compression_type = excluded.compression_type,
			state_size = excluded.state_size,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		key, compressionType, len(data), stored, s.clk.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save state %s: %w", key, err)
	}
	return nil
}

// LoadState returns the blob stored under key, decompressing if needed.
// Returns nil when the key does not exist.
func (s *Store) LoadState(ctx context.Context, key string) ([]byte, error) {
	var compressionType, stored string
	err := s.db.QueryRowContext(ctx,
		"SELECT compression_type, data FROM state_blobs WHERE key = ?", key,
	).Scan(&compressionType, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", key, err)
	}

	switch compressionType {
	case compressionNone:
		return []byte(stored), nil
	case compressionGzip:
		raw, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return nil, fmt.Errorf("failed to decode state %s: %w", key, err)
		}
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed state %s: %w", key, err)
		}
		defer func() { _ = gz.Close() }()
		data, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress state %s: %w", key, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown compression type %q for state %s", compressionType, key)
	}
}

// DeleteState removes a blob. Missing keys are not an error.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM state_blobs WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}
