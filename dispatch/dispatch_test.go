package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"

	"github.com/nostr-net/lookup-moderator/engine"
	"github.com/nostr-net/lookup-moderator/ledger"
)

type fakeDeleter struct {
	mu    sync.Mutex
	calls []string
	failN int // fail the first N calls; -1 fails every call
	gate  chan struct{}
}

func (f *fakeDeleter) Delete(ctx context.Context, id string) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.failN != 0 {
		if f.failN > 0 {
			f.failN--
		}
		return fmt.Errorf("lmdb busy")
	}
	return nil
}

func (f *fakeDeleter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotices struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeNotices) PublishDeleteNotice(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func testDispatcher(del Deleter) (*Dispatcher, *ledger.Ledger) {
	fix := engine.EngineTestFixture()
	d := NewDispatcher(fix.Ledger, del)
	d.RetryBase = time.Millisecond
	return d, fix.Ledger
}

func triggeredVerdict(target string) *engine.Verdict {
	return &engine.Verdict{
		Target:    target,
		Triggered: true,
		Tally:     &ledger.Tally{Total: 3},
		Reasons:   []engine.Reason{{Category: engine.AggregateCategory, Count: 3, Threshold: 3}},
	}
}

func TestDispatchActsOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	del := &fakeDeleter{}
	d, led := testDispatcher(del)
	target := strings.Repeat("11", 32)

	assert.NoError(d.Dispatch(ctx, triggeredVerdict(target)))
	assert.Equal(1, del.count())

	acted, err := led.HasActed(ctx, target)
	assert.NoError(err)
	assert.True(acted)

	st, err := led.GetStatus(ctx, target)
	assert.NoError(err)
	if st == nil {
		t.Fatal("expected a status row after dispatch")
	}
	assert.Equal(1, st.Attempts)
	assert.NotNil(st.TriggeredAt)
	assert.NotNil(st.ActedAt)
	assert.Empty(st.LastError)

	// a later trigger for the same target is a no-op
	assert.NoError(d.Dispatch(ctx, triggeredVerdict(target)))
	assert.Equal(1, del.count())
}

func TestDispatchConcurrentTriggers(t *testing.T) {
	assert := assert.New(t)
	del := &fakeDeleter{gate: make(chan struct{})}
	d, led := testDispatcher(del)
	target := strings.Repeat("22", 32)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- d.Dispatch(context.Background(), triggeredVerdict(target))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(del.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(err)
	}
	assert.Equal(1, del.count())
	acted, err := led.HasActed(context.Background(), target)
	assert.NoError(err)
	assert.True(acted)
}

func TestDispatchRetriesUntilSuccess(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	del := &fakeDeleter{failN: 2}
	d, led := testDispatcher(del)
	target := strings.Repeat("33", 32)

	assert.NoError(d.Dispatch(ctx, triggeredVerdict(target)))
	assert.Equal(3, del.count())

	st, err := led.GetStatus(ctx, target)
	assert.NoError(err)
	if st == nil {
		t.Fatal("expected a status row after dispatch")
	}
	assert.Equal(3, st.Attempts)
	assert.True(st.Acted)
	assert.Empty(st.LastError)
}

func TestDispatchExhaustionLeavesEligible(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	del := &fakeDeleter{failN: -1}
	d, led := testDispatcher(del)
	d.MaxAttempts = 3
	target := strings.Repeat("44", 32)

	assert.Error(d.Dispatch(ctx, triggeredVerdict(target)))
	assert.Equal(3, del.count())

	acted, err := led.HasActed(ctx, target)
	assert.NoError(err)
	assert.False(acted)

	st, err := led.GetStatus(ctx, target)
	assert.NoError(err)
	if st == nil {
		t.Fatal("expected a status row after a failed burst")
	}
	assert.Equal(3, st.Attempts)
	assert.Contains(st.LastError, "lmdb busy")
	assert.NotNil(st.TriggeredAt)

	// the next trigger starts a fresh burst, which now succeeds
	del.mu.Lock()
	del.failN = 0
	del.mu.Unlock()
	assert.NoError(d.Dispatch(ctx, triggeredVerdict(target)))
	assert.Equal(4, del.count())

	acted, err = led.HasActed(ctx, target)
	assert.NoError(err)
	assert.True(acted)
}

func TestDispatchNoticeBestEffort(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	del := &fakeDeleter{}
	notices := &fakeNotices{err: fmt.Errorf("all relays down")}
	d, led := testDispatcher(del)
	d.Notices = notices
	target := strings.Repeat("55", 32)

	// a failed notice is logged, never surfaced, never reverts the action
	assert.NoError(d.Dispatch(ctx, triggeredVerdict(target)))
	assert.Equal(1, notices.calls)
	acted, err := led.HasActed(ctx, target)
	assert.NoError(err)
	assert.True(acted)

	// and no second notice for an already-acted target
	assert.NoError(d.Dispatch(ctx, triggeredVerdict(target)))
	assert.Equal(1, notices.calls)
}

func TestDispatchIgnoresUntriggered(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	del := &fakeDeleter{}
	d, _ := testDispatcher(del)

	assert.NoError(d.Dispatch(ctx, nil))
	assert.NoError(d.Dispatch(ctx, &engine.Verdict{Target: strings.Repeat("66", 32), Tally: &ledger.Tally{}}))
	assert.Equal(0, del.count())
}

func TestStrfryDeleterGuards(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	sd := NewStrfryDeleter("/nonexistent/strfry", "/tmp/strfry-db")
	assert.Error(sd.Delete(ctx, "not-an-event-id"))

	// dry run never executes anything
	sd.DryRun = true
	assert.NoError(sd.Delete(ctx, strings.Repeat("ab", 32)))
}

func TestDeleteNoticeShortCircuits(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	target := strings.Repeat("cd", 32)

	// nothing configured, nothing to do
	n := NewDeleteNotice("", nil)
	assert.NoError(n.PublishDeleteNotice(ctx, target, "below threshold"))

	// dry run signs but does not connect anywhere
	n = NewDeleteNotice(nostr.GeneratePrivateKey(), []string{"wss://relay.invalid"})
	n.DryRun = true
	assert.NoError(n.PublishDeleteNotice(ctx, target, "reported by 3 trusted members"))
}

func TestBackoffDuration(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(20*time.Millisecond, backoffDuration(1, 10*time.Millisecond))
	assert.Equal(40*time.Millisecond, backoffDuration(2, 10*time.Millisecond))
	assert.Equal(80*time.Millisecond, backoffDuration(3, 10*time.Millisecond))
	assert.Equal(20*time.Second, backoffDuration(1, 0))
}
