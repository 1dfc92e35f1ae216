package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "test.sqlite")), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		t.Fatal(err)
	}
	sqldb, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqldb.SetMaxOpenConns(1)
	l, err := NewLedger(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

type memberSet map[string]bool

func (m memberSet) Contains(pubkey string) bool { return m[pubkey] }

func testReport(reporter, target string, cat Category, at time.Time) *IncomingReport {
	return &IncomingReport{
		EventID:    "ev-" + reporter + "-" + target,
		Reporter:   reporter,
		Target:     target,
		Category:   cat,
		ReportedAt: at,
	}
}

func TestParseCategory(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(CategorySpam, ParseCategory("spam"))
	assert.Equal(CategorySpam, ParseCategory(" SPAM "))
	assert.Equal(CategoryImpersonation, ParseCategory("impersonation"))
	assert.Equal(CategoryOther, ParseCategory(""))
	assert.Equal(CategoryOther, ParseCategory("gibberish"))
	assert.Equal(CategoryOther, ParseCategory("other"))
}

func TestUpsertLatestWins(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	out, err := l.Upsert(ctx, testReport("alice", "evt1", CategorySpam, base))
	assert.NoError(err)
	assert.Equal(UpsertInserted, out)

	// same pair, older: keep what we have
	out, err = l.Upsert(ctx, testReport("alice", "evt1", CategoryIllegal, base.Add(-time.Minute)))
	assert.NoError(err)
	assert.Equal(UpsertSkippedOlder, out)

	// same pair, same timestamp: also a skip
	out, err = l.Upsert(ctx, testReport("alice", "evt1", CategoryIllegal, base))
	assert.NoError(err)
	assert.Equal(UpsertSkippedOlder, out)

	// same pair, newer: replaces the row in place
	newer := testReport("alice", "evt1", CategoryIllegal, base.Add(time.Minute))
	newer.EventID = "ev-latest"
	out, err = l.Upsert(ctx, newer)
	assert.NoError(err)
	assert.Equal(UpsertReplaced, out)

	// a different reporter gets their own row
	out, err = l.Upsert(ctx, testReport("bob", "evt1", CategorySpam, base))
	assert.NoError(err)
	assert.Equal(UpsertInserted, out)

	tally, err := l.CountTrusted(ctx, "evt1", nil, base.Add(-time.Hour))
	assert.NoError(err)
	assert.Equal(2, tally.Total)
	assert.Equal(1, tally.Count(CategoryIllegal))
	assert.Equal(1, tally.Count(CategorySpam))

	var row Report
	require.NoError(t, l.db.Where("reporter = ? AND target = ?", "alice", "evt1").First(&row).Error)
	assert.Equal("ev-latest", row.EventID)
	assert.Equal(CategoryIllegal, row.Category)
}

func TestCountTrustedFiltersMembershipAndWindow(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	now := time.Now().Truncate(time.Second)
	windowStart := now.Add(-30 * 24 * time.Hour)

	reports := []*IncomingReport{
		testReport("alice", "evt1", CategorySpam, now.Add(-time.Hour)),
		testReport("bob", "evt1", CategorySpam, now.Add(-2*time.Hour)),
		testReport("carol", "evt1", CategoryIllegal, now.Add(-3*time.Hour)),
		// outside the window: must not count
		testReport("dave", "evt1", CategorySpam, windowStart.Add(-time.Hour)),
		// different target
		testReport("alice", "evt2", CategorySpam, now.Add(-time.Hour)),
	}
	for _, r := range reports {
		_, err := l.Upsert(ctx, r)
		assert.NoError(err)
	}

	trusted := memberSet{"alice": true, "bob": true, "carol": true, "dave": true}
	tally, err := l.CountTrusted(ctx, "evt1", trusted, windowStart)
	assert.NoError(err)
	assert.Equal(3, tally.Total)
	assert.Equal(2, tally.Count(CategorySpam))
	assert.Equal(1, tally.Count(CategoryIllegal))

	// membership revocation takes effect at the next count
	tally, err = l.CountTrusted(ctx, "evt1", memberSet{"alice": true}, windowStart)
	assert.NoError(err)
	assert.Equal(1, tally.Total)

	// empty membership counts nothing
	tally, err = l.CountTrusted(ctx, "evt1", memberSet{}, windowStart)
	assert.NoError(err)
	assert.Equal(0, tally.Total)
}

func TestPruneAndReAdmission(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	now := time.Now().Truncate(time.Second)
	window := 30 * 24 * time.Hour
	retention := 2 * window

	old := testReport("alice", "evt1", CategorySpam, now.Add(-retention-time.Hour))
	fresh := testReport("bob", "evt1", CategorySpam, now.Add(-time.Hour))
	for _, r := range []*IncomingReport{old, fresh} {
		_, err := l.Upsert(ctx, r)
		assert.NoError(err)
	}

	pruned, err := l.Prune(ctx, now.Add(-retention))
	assert.NoError(err)
	assert.Equal(int64(1), pruned)

	tally, err := l.CountTrusted(ctx, "evt1", nil, now.Add(-window))
	assert.NoError(err)
	assert.Equal(1, tally.Total)

	// alice reports again after their old row was pruned: counts fresh, once
	out, err := l.Upsert(ctx, testReport("alice", "evt1", CategorySpam, now))
	assert.NoError(err)
	assert.Equal(UpsertInserted, out)

	tally, err = l.CountTrusted(ctx, "evt1", nil, now.Add(-window))
	assert.NoError(err)
	assert.Equal(2, tally.Total)
	assert.Equal(2, tally.Count(CategorySpam))
}

func TestMarkActedAtMostOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	require.NoError(t, l.RecordTrigger(ctx, "evt1", "threshold reached"))

	var wg sync.WaitGroup
	wins := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := l.MarkActed(ctx, "evt1")
			assert.NoError(err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(1, winners)

	acted, err := l.HasActed(ctx, "evt1")
	assert.NoError(err)
	assert.True(acted)

	// the flag never resets; a later trigger does not clear it
	assert.NoError(l.RecordTrigger(ctx, "evt1", "another trigger"))
	acted, err = l.HasActed(ctx, "evt1")
	assert.NoError(err)
	assert.True(acted)
}

func TestStatsAndCursor(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := testLedger(t)

	now := time.Now().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		_, err := l.Upsert(ctx, testReport(fmt.Sprintf("reporter%d", i), "evt1", CategorySpam, now))
		assert.NoError(err)
	}
	_, err := l.Upsert(ctx, testReport("reporter0", "evt2", CategorySpam, now))
	assert.NoError(err)

	stats, err := l.Stats(ctx)
	assert.NoError(err)
	assert.Equal(int64(4), stats.TotalReports)
	assert.Equal(int64(2), stats.DistinctTargets)
	assert.Equal(int64(3), stats.DistinctReporters)
	assert.Equal(int64(0), stats.ActedTargets)

	cur, err := l.LoadCursor(ctx, "wss://relay.example.com")
	assert.NoError(err)
	assert.Equal(int64(0), cur)

	assert.NoError(l.SaveCursor(ctx, "wss://relay.example.com", 1700000000))
	assert.NoError(l.SaveCursor(ctx, "wss://relay.example.com", 1700000100))

	cur, err = l.LoadCursor(ctx, "wss://relay.example.com")
	assert.NoError(err)
	assert.Equal(int64(1700000100), cur)
}
