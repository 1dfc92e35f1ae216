package seenstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemSeenStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	ss := NewMemSeenStore(100, time.Minute)

	seen, err := ss.Seen(ctx, "ev1")
	assert.NoError(err)
	assert.False(seen)

	seen, err = ss.Seen(ctx, "ev1")
	assert.NoError(err)
	assert.True(seen)

	seen, err = ss.Seen(ctx, "ev2")
	assert.NoError(err)
	assert.False(seen)
}

func TestMemSeenStoreEviction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// capacity 2: the oldest entry falls out and reads as unseen again
	ss := NewMemSeenStore(2, time.Minute)

	for i := 0; i < 3; i++ {
		seen, err := ss.Seen(ctx, fmt.Sprintf("ev%d", i))
		assert.NoError(err)
		assert.False(seen)
	}

	seen, err := ss.Seen(ctx, "ev0")
	assert.NoError(err)
	assert.False(seen)

	seen, err = ss.Seen(ctx, "ev2")
	assert.NoError(err)
	assert.True(seen)
}
