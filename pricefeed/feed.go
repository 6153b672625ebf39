package pricefeed

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"lendpool/native/lending"
)

// Feed is an in-memory oracle fed by the operator surface. Quotes are stored
// per asset symbol and handed out as copies so callers cannot mutate the feed.
type Feed struct {
	mu     sync.RWMutex
	quotes map[string]lending.PriceQuote
}

func NewFeed() *Feed {
	return &Feed{quotes: make(map[string]lending.PriceQuote)}
}

// SetPrice records the latest quote for an asset. Price is in the common base
// currency at the given decimal scale; timestamp is unix seconds.
func (f *Feed) SetPrice(asset string, price *big.Int, decimals uint32, timestamp uint64) error {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return fmt.Errorf("pricefeed: empty asset symbol")
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("pricefeed: price for %s must be positive", asset)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[asset] = lending.PriceQuote{
		Price:     new(big.Int).Set(price),
		Decimals:  decimals,
		Timestamp: timestamp,
	}
	return nil
}

// Price returns the latest quote for the asset, or nil when none has been
// published yet.
func (f *Feed) Price(asset string) (*lending.PriceQuote, error) {
	f.mu.RLock()
	quote, ok := f.quotes[asset]
	f.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &lending.PriceQuote{
		Price:     new(big.Int).Set(quote.Price),
		Decimals:  quote.Decimals,
		Timestamp: quote.Timestamp,
	}, nil
}
