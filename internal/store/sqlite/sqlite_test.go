// ABOUTME: Runs the store conformance suite against a SQLite file, plus multi-handle tests.
// ABOUTME: Each case gets its own database file under t.TempDir().
package sqlite_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
	"github.com/Ansteorra/KMP-sub014/internal/store/sqlite"
	"github.com/Ansteorra/KMP-sub014/internal/store/storetest"
	"github.com/Ansteorra/KMP-sub014/internal/testutil"
)

func TestConformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) queue.Store {
		return testutil.NewSQLiteStore(t)
	})
}

// Separate *sql.DB handles on one file stand in for separate worker processes.
func TestClaimNext_SeparateHandlesNeverShareAJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := testutil.NewSQLitePath(t)

	producer := testutil.OpenSQLiteStore(t, path)
	const jobs = 20
	for range jobs {
		_, err := producer.InsertJob(ctx, queue.NewJob{TaskName: "Queue.Example", Payload: queue.Payload{}, Priority: 5})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for i := range 4 {
		s := testutil.OpenSQLiteStore(t, path)
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, key)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}("proc-" + string(rune('0'+i)))
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
}

func TestDSN(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"/var/lib/queue.db", "file:/var/lib/queue.db?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"},
		{"file:queue.db?cache=shared", "file:queue.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"},
	}
	for _, tc := range tests {
		if got := sqlite.DSN(tc.in); got != tc.want {
			t.Errorf("DSN(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
