package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-net/lookup-moderator/ledger"
)

var (
	ErrBadKind      = errors.New("not a report event")
	ErrMalformed    = errors.New("malformed event")
	ErrBadSignature = errors.New("invalid signature")
	ErrFutureEvent  = errors.New("created_at too far in the future")
	ErrNoTarget     = errors.New("report names no event target")
)

// Gate validates raw report events before anything touches the ledger.
// Rejections are classified (see RejectReason) and never stored.
type Gate struct {
	// MaxClockSkew bounds how far in the future an event's created_at may
	// sit before rejection. Zero disables the check.
	MaxClockSkew time.Duration
}

func NewGate(maxClockSkew time.Duration) *Gate {
	return &Gate{MaxClockSkew: maxClockSkew}
}

// Check verifies evt is a well-formed, signed report and extracts its
// fields. The id is recomputed from the serialized content, so a valid
// signature over tampered fields still fails.
func (g *Gate) Check(evt *nostr.Event) (*ledger.IncomingReport, error) {
	if evt == nil {
		return nil, ErrMalformed
	}
	if evt.Kind != nostr.KindReporting {
		return nil, fmt.Errorf("%w: kind %d", ErrBadKind, evt.Kind)
	}
	if !nostr.IsValid32ByteHex(evt.PubKey) || !nostr.IsValid32ByteHex(evt.ID) {
		return nil, fmt.Errorf("%w: bad id or pubkey", ErrMalformed)
	}
	if evt.GetID() != evt.ID {
		return nil, fmt.Errorf("%w: id does not match content", ErrMalformed)
	}
	if ok, err := evt.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	} else if !ok {
		return nil, ErrBadSignature
	}
	if g.MaxClockSkew > 0 && evt.CreatedAt.Time().After(time.Now().Add(g.MaxClockSkew)) {
		return nil, fmt.Errorf("%w: created_at %d", ErrFutureEvent, evt.CreatedAt)
	}

	tag := evt.Tags.GetFirst([]string{"e"})
	if tag == nil || !nostr.IsValid32ByteHex(tag.Value()) {
		return nil, ErrNoTarget
	}

	return &ledger.IncomingReport{
		EventID:    evt.ID,
		Reporter:   evt.PubKey,
		Target:     tag.Value(),
		Category:   reportCategory(evt, *tag),
		ReportedAt: evt.CreatedAt.Time(),
		Payload:    evt.Content,
	}, nil
}

// reportCategory pulls the NIP-56 report type off the target tag. The type
// usually sits right after the event id, but some clients wedge a relay hint
// in between or put the type on the "p" tag instead, so scan for the first
// recognized value. Anything unrecognized normalizes to "other".
func reportCategory(evt *nostr.Event, eTag nostr.Tag) ledger.Category {
	for _, field := range eTag[2:] {
		if ledger.KnownCategory(field) {
			return ledger.ParseCategory(field)
		}
	}
	if pTag := evt.Tags.GetFirst([]string{"p"}); pTag != nil && len(*pTag) > 2 {
		for _, field := range (*pTag)[2:] {
			if ledger.KnownCategory(field) {
				return ledger.ParseCategory(field)
			}
		}
	}
	return ledger.CategoryOther
}

// RejectReason buckets gate errors for metrics and log lines.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrBadKind):
		return "bad-kind"
	case errors.Is(err, ErrBadSignature):
		return "bad-signature"
	case errors.Is(err, ErrFutureEvent):
		return "future-timestamp"
	case errors.Is(err, ErrNoTarget):
		return "no-target"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "other"
	}
}
