package backend_test

import (
	"context"
	"testing"

	"github.com/deepimagej/tileflow/internal/backend"
)

func TestLogWriterFromContext(t *testing.T) {
	var got []string
	ctx := backend.WithLogWriter(context.Background(), func(line string) {
		got = append(got, line)
	})

	backend.LogWriterFrom(ctx)("loading weights")
	if len(got) != 1 || got[0] != "loading weights" {
		t.Errorf("log lines = %v", got)
	}
}

func TestLogWriterFromEmptyContext(t *testing.T) {
	// Must not panic without an attached writer.
	backend.LogWriterFrom(context.Background())("dropped")
}
