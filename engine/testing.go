package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nostr-net/lookup-moderator/ledger"
	"github.com/nostr-net/lookup-moderator/seenstore"
	"github.com/nostr-net/lookup-moderator/wot"
)

// CapturingDispatcher records dispatched verdicts for assertions.
type CapturingDispatcher struct {
	mu       sync.Mutex
	Verdicts []*Verdict
}

var _ Dispatcher = (*CapturingDispatcher)(nil)

func (d *CapturingDispatcher) Dispatch(ctx context.Context, v *Verdict) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Verdicts = append(d.Verdicts, v)
	return nil
}

func (d *CapturingDispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Verdicts)
}

func (d *CapturingDispatcher) Last() *Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Verdicts) == 0 {
		return nil
	}
	return d.Verdicts[len(d.Verdicts)-1]
}

// TestIdentity is a signing keypair for fixture events.
type TestIdentity struct {
	SecretKey string
	PubKey    string
}

func MustTestIdentity() *TestIdentity {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		panic(err)
	}
	return &TestIdentity{SecretKey: sk, PubKey: pk}
}

// SignedReport builds a valid signed report naming target with the given
// report type.
func (id *TestIdentity) SignedReport(target string, category ledger.Category, at time.Time) *nostr.Event {
	evt := &nostr.Event{
		Kind:      nostr.KindReporting,
		CreatedAt: nostr.Timestamp(at.Unix()),
		Tags:      nostr.Tags{{"e", target, category.String()}},
		Content:   "reported from test fixture",
	}
	if err := evt.Sign(id.SecretKey); err != nil {
		panic(err)
	}
	return evt
}

// TestFixture wires an engine to throwaway in-memory stores, a fixed trust
// graph (Root at hop 0, Members at hop 1), and a capturing dispatcher.
// Intentionally exported, for use in other packages.
type TestFixture struct {
	Engine     *Engine
	Ledger     *ledger.Ledger
	Provider   *wot.Provider
	Dispatcher *CapturingDispatcher
	Root       *TestIdentity
	Members    []*TestIdentity
	Outsider   *TestIdentity
}

func EngineTestFixture() *TestFixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		panic(err)
	}
	sqldb, err := db.DB()
	if err != nil {
		panic(err)
	}
	sqldb.SetMaxOpenConns(1)

	l, err := ledger.NewLedger(db, slog.Default())
	if err != nil {
		panic(err)
	}

	root := MustTestIdentity()
	members := []*TestIdentity{MustTestIdentity(), MustTestIdentity(), MustTestIdentity(), MustTestIdentity()}
	membership := map[string]int{root.PubKey: 0}
	for _, m := range members {
		membership[m.PubKey] = 1
	}
	provider := wot.NewProvider()
	provider.Swap(wot.NewSnapshot(1, root.PubKey, 2, time.Now(), membership))

	dispatcher := &CapturingDispatcher{}
	eng := &Engine{
		Logger:     slog.Default(),
		Gate:       NewGate(5 * time.Minute),
		Ledger:     l,
		Trust:      provider,
		Seen:       seenstore.NewMemSeenStore(1_000, time.Hour),
		Thresholds: DefaultThresholds(),
		Dispatcher: dispatcher,
		Window:     30 * 24 * time.Hour,
	}

	return &TestFixture{
		Engine:     eng,
		Ledger:     l,
		Provider:   provider,
		Dispatcher: dispatcher,
		Root:       root,
		Members:    members,
		Outsider:   MustTestIdentity(),
	}
}
