package sqlstore

import (
	"testing"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	t.Helper()
	s, err := New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	testStore = s
}

func TeardownTestDB() {
	if testStore != nil {
		testStore.Close()
		testStore = nil
	}
}
