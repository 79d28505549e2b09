package all

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"singerwh/internal/storage"
)

func TestAllBackendsRegistered(t *testing.T) {
	want := []string{"mssql", "postgres", "snowflake", "sqlite"}
	if diff := cmp.Diff(want, storage.Kinds()); diff != "" {
		t.Fatalf("registered kinds (-want +got):\n%s", diff)
	}
}
