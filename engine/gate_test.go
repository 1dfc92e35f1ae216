package engine

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"

	"github.com/nostr-net/lookup-moderator/ledger"
)

func testTargetID(b byte) string {
	return strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

func TestGateAcceptsValidReport(t *testing.T) {
	assert := assert.New(t)

	g := NewGate(5 * time.Minute)
	id := MustTestIdentity()
	target := testTargetID(0xaa)
	at := time.Now().Add(-time.Minute)

	rep, err := g.Check(id.SignedReport(target, ledger.CategorySpam, at))
	assert.NoError(err)
	assert.Equal(id.PubKey, rep.Reporter)
	assert.Equal(target, rep.Target)
	assert.Equal(ledger.CategorySpam, rep.Category)
	assert.Equal(at.Unix(), rep.ReportedAt.Unix())
	assert.True(nostr.IsValid32ByteHex(rep.EventID))
}

func TestGateRejectsWrongKind(t *testing.T) {
	assert := assert.New(t)

	g := NewGate(5 * time.Minute)
	id := MustTestIdentity()
	evt := &nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Content:   "just a note",
	}
	assert.NoError(evt.Sign(id.SecretKey))

	_, err := g.Check(evt)
	assert.ErrorIs(err, ErrBadKind)
	assert.Equal("bad-kind", RejectReason(err))
}

func TestGateRejectsTamperedEvent(t *testing.T) {
	assert := assert.New(t)

	g := NewGate(5 * time.Minute)
	id := MustTestIdentity()
	target := testTargetID(0xbb)

	// content edited after signing: the id no longer matches
	evt := id.SignedReport(target, ledger.CategorySpam, time.Now())
	evt.Content = "edited after signing"
	_, err := g.Check(evt)
	assert.ErrorIs(err, ErrMalformed)
	assert.Equal("malformed", RejectReason(err))

	// id recomputed over the edited content: now only the signature is stale
	evt = id.SignedReport(target, ledger.CategorySpam, time.Now())
	evt.Content = "edited after signing"
	evt.ID = evt.GetID()
	_, err = g.Check(evt)
	assert.ErrorIs(err, ErrBadSignature)
	assert.Equal("bad-signature", RejectReason(err))

	// garbage signature bytes
	evt = id.SignedReport(target, ledger.CategorySpam, time.Now())
	evt.Sig = strings.Repeat("zz", 64)
	_, err = g.Check(evt)
	assert.ErrorIs(err, ErrBadSignature)
}

func TestGateRejectsFutureEvent(t *testing.T) {
	assert := assert.New(t)

	id := MustTestIdentity()
	target := testTargetID(0xcc)

	g := NewGate(5 * time.Minute)
	_, err := g.Check(id.SignedReport(target, ledger.CategorySpam, time.Now().Add(time.Hour)))
	assert.ErrorIs(err, ErrFutureEvent)
	assert.Equal("future-timestamp", RejectReason(err))

	// inside the allowed skew
	_, err = g.Check(id.SignedReport(target, ledger.CategorySpam, time.Now().Add(2*time.Minute)))
	assert.NoError(err)

	// zero skew disables the check
	loose := NewGate(0)
	_, err = loose.Check(id.SignedReport(target, ledger.CategorySpam, time.Now().Add(time.Hour)))
	assert.NoError(err)
}

func TestGateRejectsMissingTarget(t *testing.T) {
	assert := assert.New(t)

	g := NewGate(5 * time.Minute)
	id := MustTestIdentity()

	evt := &nostr.Event{
		Kind:      nostr.KindReporting,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", testTargetID(0x01), "impersonation"}},
	}
	assert.NoError(evt.Sign(id.SecretKey))
	_, err := g.Check(evt)
	assert.ErrorIs(err, ErrNoTarget)
	assert.Equal("no-target", RejectReason(err))

	evt = &nostr.Event{
		Kind:      nostr.KindReporting,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"e", "not-an-event-id", "spam"}},
	}
	assert.NoError(evt.Sign(id.SecretKey))
	_, err = g.Check(evt)
	assert.ErrorIs(err, ErrNoTarget)
}

func TestGateCategoryNormalization(t *testing.T) {
	assert := assert.New(t)

	g := NewGate(5 * time.Minute)
	id := MustTestIdentity()
	target := testTargetID(0xdd)

	check := func(tags nostr.Tags) ledger.Category {
		t.Helper()
		evt := &nostr.Event{Kind: nostr.KindReporting, CreatedAt: nostr.Now(), Tags: tags}
		if err := evt.Sign(id.SecretKey); err != nil {
			t.Fatal(err)
		}
		rep, err := g.Check(evt)
		if err != nil {
			t.Fatal(err)
		}
		return rep.Category
	}

	// type right after the event id
	assert.Equal(ledger.CategoryIllegal, check(nostr.Tags{{"e", target, "illegal"}}))
	// relay hint wedged before the type
	assert.Equal(ledger.CategoryMalware, check(nostr.Tags{{"e", target, "wss://relay.example.com", "malware"}}))
	// type only on the p tag
	assert.Equal(ledger.CategoryImpersonation, check(nostr.Tags{{"e", target}, {"p", testTargetID(0x02), "impersonation"}}))
	// truncated p tag carries no type
	assert.Equal(ledger.CategoryOther, check(nostr.Tags{{"e", target}, {"p"}}))
	// unrecognized value
	assert.Equal(ledger.CategoryOther, check(nostr.Tags{{"e", target, "distasteful"}}))
	// no type at all
	assert.Equal(ledger.CategoryOther, check(nostr.Tags{{"e", target}}))
	// case folding
	assert.Equal(ledger.CategorySpam, check(nostr.Tags{{"e", target, "SPAM"}}))
}
