package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// DeleteNotice publishes NIP-09 deletion events after a removal, so
// mirrors and clients holding a copy drop it too. Everything here is
// best-effort: the relay-side removal never depends on the notice.
type DeleteNotice struct {
	Log       *slog.Logger
	SecretKey string
	Relays    []string
	DryRun    bool
	// Timeout bounds the connect-and-publish round trip per relay.
	Timeout time.Duration
}

var _ NoticePublisher = (*DeleteNotice)(nil)

func NewDeleteNotice(secretKey string, relays []string) *DeleteNotice {
	return &DeleteNotice{
		Log:       slog.Default().With("system", "delete-notice"),
		SecretKey: secretKey,
		Relays:    relays,
		Timeout:   15 * time.Second,
	}
}

// PublishDeleteNotice signs a deletion event naming eventID and sends it to
// every configured relay. It fails only when no relay accepted it.
func (n *DeleteNotice) PublishDeleteNotice(ctx context.Context, eventID, reason string) error {
	if n.SecretKey == "" || len(n.Relays) == 0 {
		return nil
	}

	evt := nostr.Event{
		Kind:      nostr.KindDeletion,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"e", eventID}},
		Content:   reason,
	}
	if err := evt.Sign(n.SecretKey); err != nil {
		return fmt.Errorf("signing delete notice: %w", err)
	}

	if n.DryRun {
		n.Log.Info("dry run: would publish delete notice", "event", eventID, "relays", len(n.Relays))
		return nil
	}

	accepted := 0
	var lastErr error
	for _, url := range n.Relays {
		if err := n.publishTo(ctx, url, evt); err != nil {
			n.Log.Warn("delete notice not accepted", "relay", url, "err", err)
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("delete notice for %s reached no relay: %w", eventID, lastErr)
	}
	n.Log.Info("published delete notice", "event", eventID, "relays", accepted)
	return nil
}

func (n *DeleteNotice) publishTo(ctx context.Context, url string, evt nostr.Event) error {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return err
	}
	defer relay.Close()
	return relay.Publish(ctx, evt)
}
