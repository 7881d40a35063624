// Package storetest provides throwaway stores for tests in other packages.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-cli/internal/store"
)

// NewSQLite returns a migrated SQLite store in a temp directory, closed when
// the test ends.
func NewSQLite(t testing.TB) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "corpus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}
