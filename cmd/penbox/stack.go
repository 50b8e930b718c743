package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/config"
	"github.com/michaelbrown/penbox/internal/server"
	"github.com/michaelbrown/penbox/internal/storage"
	"github.com/michaelbrown/penbox/internal/storage/sqlite"
)

func openStore(cfg *config.Config) (storage.Store, error) {
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// newHistory returns a recorder backed by an in-memory database, so execution
// history never outlives the process.
func newHistory(logger *zap.Logger) (*server.HistoryRecorder, func(), error) {
	records, err := sqlite.Open(":memory:")
	if err != nil {
		return nil, nil, fmt.Errorf("opening history: %w", err)
	}
	return server.NewHistoryRecorder(records, logger), func() { records.Close() }, nil
}
