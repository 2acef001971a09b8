package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage/storagetest"
)

// openTestStore skips when the cgo sqlite driver is not available.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "listings.db"))
	if err != nil {
		t.Skipf("skipping: sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return openTestStore(t) })
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listings.db")
	s, err := Open(path)
	if err != nil {
		t.Skipf("skipping: sqlite unavailable: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("expected reopen to migrate cleanly, got %v", err)
	}
	s.Close()
}
