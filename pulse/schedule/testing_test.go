package schedule

import (
	"testing"

	relaytest "github.com/teranos/relay/internal/testing"
)

// newTestStore creates a schedule store on a migrated in-memory database
func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(relaytest.CreateMigratedTestDB(t))
}
