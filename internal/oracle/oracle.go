// Package oracle wraps the external price feed and exposes staleness-checked
// USD valuations at the canonical precision.
//
// The oracle is a pure read path: it never mutates state and carries no
// cache beyond the feed itself. One fetched price is valid for exactly one
// engine operation; the engine takes a snapshot up front and runs all of an
// operation's ratio checks against it.
//
// All monetary values use shopspring/decimal — never float64 for money.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/synthex/mint-engine/internal/fixedpoint"
	"github.com/synthex/mint-engine/internal/model"
)

var (
	// ErrFeedNotRegistered is returned when no feed exists for the
	// requested token.
	ErrFeedNotRegistered = errors.New("oracle: feed not registered")

	// ErrStalePrice is returned when the quote's publish time is older
	// than the configured maximum age.
	ErrStalePrice = errors.New("oracle: price is stale")

	// ErrInvalidPrice is returned for quotes with a non-positive mantissa
	// or a zero normalized price.
	ErrInvalidPrice = errors.New("oracle: invalid price")
)

// FeedPort is the boundary to the external price source. Implementations
// return the raw mantissa/exponent quote exactly as published.
type FeedPort interface {
	RawQuote(ctx context.Context, feedID string) (model.PriceQuote, error)
}

// Oracle validates and normalizes raw feed quotes.
type Oracle struct {
	feed   FeedPort
	maxAge time.Duration
}

// New creates an oracle over the given feed with the given staleness window.
func New(feed FeedPort, maxAge time.Duration) *Oracle {
	return &Oracle{feed: feed, maxAge: maxAge}
}

// NormalizedUsdPrice fetches the quote for a token, enforces staleness and
// sign validity, and returns the canonical 18-decimal price together with
// the quote's publish time.
func (o *Oracle) NormalizedUsdPrice(ctx context.Context, feedID string, now time.Time) (decimal.Decimal, time.Time, error) {
	quote, err := o.feed.RawQuote(ctx, feedID)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	if o.maxAge > 0 && now.Sub(quote.PublishTime) > o.maxAge {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: %s published %s ago", ErrStalePrice, feedID, now.Sub(quote.PublishTime))
	}
	price, err := fixedpoint.NormalizePrice(quote.Mantissa, quote.Exponent)
	if err != nil {
		if errors.Is(err, fixedpoint.ErrNegativePrice) {
			return decimal.Zero, time.Time{}, fmt.Errorf("%w: %s mantissa %d", ErrInvalidPrice, feedID, quote.Mantissa)
		}
		return decimal.Zero, time.Time{}, err
	}
	if price.IsZero() {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: %s normalizes to zero", ErrInvalidPrice, feedID)
	}
	return price, quote.PublishTime, nil
}

// UsdValue values a token amount at its current price:
// convert the amount to canonical precision, multiply by the price, and
// scale back down by one canonical unit.
func (o *Oracle) UsdValue(ctx context.Context, feedID string, amount decimal.Decimal, tokenDecimals int32, now time.Time) (decimal.Decimal, error) {
	price, _, err := o.NormalizedUsdPrice(ctx, feedID, now)
	if err != nil {
		return decimal.Zero, err
	}
	return UsdValueAtPrice(price, amount, tokenDecimals)
}

// TokenAmountForUsd inverts UsdValue: the token amount whose value at the
// current price equals usdValue, truncated toward zero.
func (o *Oracle) TokenAmountForUsd(ctx context.Context, feedID string, usdValue decimal.Decimal, tokenDecimals int32, now time.Time) (decimal.Decimal, error) {
	price, _, err := o.NormalizedUsdPrice(ctx, feedID, now)
	if err != nil {
		return decimal.Zero, err
	}
	return TokenAmountAtPrice(price, usdValue, tokenDecimals)
}

// UsdValueAtPrice is the pure valuation used against a price snapshot.
func UsdValueAtPrice(price, amount decimal.Decimal, tokenDecimals int32) (decimal.Decimal, error) {
	canonical, err := fixedpoint.Convert(amount, tokenDecimals, fixedpoint.CanonicalDecimals)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.MulDivFloor(canonical, price, fixedpoint.CanonicalUnit())
}

// TokenAmountAtPrice is the pure inverse valuation against a price
// snapshot, truncated toward zero.
func TokenAmountAtPrice(price, usdValue decimal.Decimal, tokenDecimals int32) (decimal.Decimal, error) {
	if price.IsZero() {
		return decimal.Zero, ErrInvalidPrice
	}
	canonical, err := fixedpoint.MulDivFloor(usdValue, fixedpoint.CanonicalUnit(), price)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.Convert(canonical, fixedpoint.CanonicalDecimals, tokenDecimals)
}

// TokenAmountAtPriceCeil rounds the inverse valuation away from zero. Used
// when the amount is an obligation owed to the protocol.
func TokenAmountAtPriceCeil(price, usdValue decimal.Decimal, tokenDecimals int32) (decimal.Decimal, error) {
	if price.IsZero() {
		return decimal.Zero, ErrInvalidPrice
	}
	canonical, err := fixedpoint.MulDivCeil(usdValue, fixedpoint.CanonicalUnit(), price)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.ConvertCeil(canonical, fixedpoint.CanonicalDecimals, tokenDecimals)
}
