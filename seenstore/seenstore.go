// Package seenstore answers "was this event id already processed" with a
// bounded footprint. Entries expire; a false negative after expiry is
// harmless because the ledger upsert downstream is idempotent.
package seenstore

import "context"

type SeenStore interface {
	// Seen marks id and reports whether it was already marked.
	Seen(ctx context.Context, id string) (bool, error)
}
