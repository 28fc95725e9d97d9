package storage_test

import (
	"testing"

	"github.com/portfolio-narrator/internal/storage"
	"github.com/portfolio-narrator/internal/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStorage()
	})
}
