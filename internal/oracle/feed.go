package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/synthex/mint-engine/internal/model"
)

// ManualFeed is an in-memory FeedPort whose quotes are posted through the
// admin API. Used for development and testing; a production deployment
// substitutes an adapter for the real feed source.
type ManualFeed struct {
	mu     sync.RWMutex
	quotes map[string]model.PriceQuote
}

// NewManualFeed creates an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{quotes: make(map[string]model.PriceQuote)}
}

// SetQuote records the latest quote for a feed, replacing any prior one.
func (f *ManualFeed) SetQuote(feedID string, quote model.PriceQuote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[feedID] = quote
}

// RawQuote returns the most recent quote for a feed.
func (f *ManualFeed) RawQuote(_ context.Context, feedID string) (model.PriceQuote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	quote, ok := f.quotes[feedID]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("%w: %s", ErrFeedNotRegistered, feedID)
	}
	return quote, nil
}
