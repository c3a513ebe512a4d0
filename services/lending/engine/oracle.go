package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cdpledger/core/types"
	"cdpledger/native/fixed"
)

// FeedPrice is the aggregated price of a feed and the sources behind it.
type FeedPrice struct {
	Name   string
	Symbol string
	Price  fixed.Wad
}

// FeedPrice aggregates the named feed.
func (e *Engine) FeedPrice(ctx context.Context, name string) (FeedPrice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tok, ok := e.feeds[strings.TrimSpace(name)]
	if !ok {
		return FeedPrice{}, fmt.Errorf("%w: feed %q", ErrNotFound, name)
	}
	price, err := e.oracle.Price(ctx, tok)
	if err != nil {
		return FeedPrice{}, err
	}
	return FeedPrice{Name: e.oracle.Name(tok), Symbol: e.oracle.Symbol(tok), Price: price}, nil
}

// SetManualPrice records a quote on the manual source. at defaults to now.
func (e *Engine) SetManualPrice(key, price string, at time.Time) error {
	if at.IsZero() {
		at = time.Unix(e.now(), 0)
	}
	if err := e.manual.SetDecimal(key, price, at); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	e.log.Info("manual price set", "key", strings.ToUpper(strings.TrimSpace(key)), "price", price)
	return nil
}

// Events returns up to limit of the most recent ledger events, oldest first.
func (e *Engine) Events(limit int) []*types.Event {
	records := e.history.Records()
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records
}
