package consumer

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"

	"github.com/nostr-net/lookup-moderator/engine"
)

func TestScheduleKey(t *testing.T) {
	assert := assert.New(t)

	target := strings.Repeat("ab", 32)
	evt := &nostr.Event{
		ID:   strings.Repeat("cd", 32),
		Tags: nostr.Tags{{"e", target, "spam"}},
	}
	assert.Equal(target, scheduleKey(evt))

	// no usable target tag: fall back to the report's own id
	evt = &nostr.Event{
		ID:   strings.Repeat("cd", 32),
		Tags: nostr.Tags{{"e", "garbage"}, {"p", strings.Repeat("ef", 32)}},
	}
	assert.Equal(evt.ID, scheduleKey(evt))
}

func TestContactsFrom(t *testing.T) {
	assert := assert.New(t)

	aa := strings.Repeat("aa", 32)
	bb := strings.Repeat("bb", 32)
	evt := &nostr.Event{
		Kind: nostr.KindContactList,
		Tags: nostr.Tags{
			{"p", aa, "wss://relay.example.com", "alice"},
			{"p", bb},
			{"p", aa}, // duplicate
			{"p", "not-a-key"},
			{"e", strings.Repeat("cc", 32)}, // wrong tag
			{"p"},                           // too short
		},
	}
	assert.Equal([]string{aa, bb}, contactsFrom(evt))

	assert.Empty(contactsFrom(&nostr.Event{Kind: nostr.KindContactList}))
}

func TestCursorRoundtrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fix := engine.EngineTestFixture()

	rc := &ReportConsumer{
		Logger:   slog.Default(),
		RelayURL: "wss://wot.example.net",
		Ledger:   fix.Ledger,
	}

	// nothing stored yet
	cur, err := rc.ReadLastCursor(ctx)
	assert.NoError(err)
	assert.EqualValues(0, cur)

	// nothing seen yet: persist is a no-op
	assert.NoError(rc.PersistCursor(ctx))
	cur, err = rc.ReadLastCursor(ctx)
	assert.NoError(err)
	assert.EqualValues(0, cur)

	rc.lastSeen.Store(1_700_000_123)
	assert.NoError(rc.PersistCursor(ctx))

	// a second consumer for the same relay resumes where the first stopped
	rc2 := &ReportConsumer{Logger: slog.Default(), RelayURL: rc.RelayURL, Ledger: fix.Ledger}
	cur, err = rc2.ReadLastCursor(ctx)
	assert.NoError(err)
	assert.EqualValues(1_700_000_123, cur)

	// cursors are per relay
	other := &ReportConsumer{Logger: slog.Default(), RelayURL: "wss://other.example.net", Ledger: fix.Ledger}
	cur, err = other.ReadLastCursor(ctx)
	assert.NoError(err)
	assert.EqualValues(0, cur)
}

func TestSleepForBackoff(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(time.Duration(0), sleepForBackoff(0))
	for b := 1; b < 10; b++ {
		d := sleepForBackoff(b)
		assert.GreaterOrEqual(d, time.Duration(b)*time.Second)
		assert.Less(d, time.Duration(b)*time.Second+time.Second)
	}
	assert.Equal(30*time.Second, sleepForBackoff(10))
	assert.Equal(30*time.Second, sleepForBackoff(100))
}
