// Package backend picks the repository behind the ledger, the raw report
// tables and the compensation table.
package backend

import (
	"context"

	"monthlypay/internal/storage"
)

type BackendType string

const (
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
	// MemoryBackend keeps everything in process. Local development only.
	MemoryBackend BackendType = "memory"
)

// BackendResult is an opened repository and the function that releases it.
type BackendResult struct {
	Repository storage.Repository
	Cleanup    func() error
}

type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config selects a backend and carries the settings only that backend reads.
type Config struct {
	Type         BackendType
	SQLiteDBPath string
	PostgresDSN  string
}
