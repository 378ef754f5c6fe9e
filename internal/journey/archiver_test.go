package journey

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeArchiver struct {
	mu      sync.Mutex
	calls   int
	befores []time.Time
	fail    int
}

func (f *fakeArchiver) ArchiveStale(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.befores = append(f.befores, before)
	if f.fail > 0 {
		f.fail--
		return 0, errors.New("database is locked")
	}
	return 2, nil
}

func (f *fakeArchiver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestArchiveStaleRetriesTransientFailure(t *testing.T) {
	repo := &fakeArchiver{fail: 1}

	archiveStale(context.Background(), repo, time.Hour, nil)

	assert.Equal(t, 2, repo.callCount())
	for _, b := range repo.befores {
		assert.WithinDuration(t, time.Now().Add(-time.Hour), b, 5*time.Second)
	}
}

func TestStartArchiverStopsOnCancel(t *testing.T) {
	repo := &fakeArchiver{}
	ctx, cancel := context.WithCancel(context.Background())

	StartArchiver(ctx, repo, time.Hour, 10*time.Millisecond, nil)

	assert.Eventually(t, func() bool { return repo.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	// goleak in TestMain verifies the worker goroutine exits.
	time.Sleep(30 * time.Millisecond)
}
