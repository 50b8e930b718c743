package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when no blob or execution record matches.
var ErrNotFound = errors.New("not found")

// BlobType tells text submissions from binary ones.
type BlobType string

const (
	BlobText   BlobType = "text"
	BlobBinary BlobType = "binary"
)

// Blob is a content-addressed piece of source code.
type Blob struct {
	Hash      string    `json:"hash"`
	Type      BlobType  `json:"type"`
	Size      int64     `json:"size"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBlob hashes data and classifies it.
func NewBlob(data []byte) *Blob {
	sum := sha256.Sum256(data)
	typ := BlobText
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		typ = BlobBinary
	}
	return &Blob{
		Hash: hex.EncodeToString(sum[:]),
		Type: typ,
		Size: int64(len(data)),
		Data: data,
	}
}

// ExecutionRecord is the persisted history of one execution.
type ExecutionRecord struct {
	ID        string     `json:"id"`
	Template  string     `json:"template"`
	Status    string     `json:"status"`
	Timeout   float64    `json:"timeout"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Output    []byte     `json:"-"`
}

// RecordListOptions controls filtering and pagination for ListExecutions.
type RecordListOptions struct {
	Status string
	Limit  int
	Offset int
}

// Store is the persistence interface for blobs and execution history.
type Store interface {
	// PutBlob stores b. Storing the same content twice is a no-op.
	PutBlob(ctx context.Context, b *Blob) error

	// GetBlob returns a blob by hash or unique hash prefix.
	GetBlob(ctx context.Context, hash string) (*Blob, error)

	// ListBlobs returns blob metadata, newest first. Data is not loaded.
	ListBlobs(ctx context.Context, limit int) ([]Blob, error)

	// SaveExecution inserts or updates an execution record.
	SaveExecution(ctx context.Context, r *ExecutionRecord) error

	// GetExecution returns a record by ID or unique ID prefix.
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)

	// ListExecutions returns records ordered by created_at descending.
	// Output is not loaded.
	ListExecutions(ctx context.Context, opts RecordListOptions) ([]ExecutionRecord, error)

	// DeleteExecution removes the record with the given ID.
	DeleteExecution(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
