package vamm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/margined/perp/pkg/engine"
)

// Directory is the approved-market set: it answers the engine's registry
// checks and resolves market identities to their AMM handles.
type Directory struct {
	mu      sync.RWMutex
	markets map[string]*AMM
}

func NewDirectory() *Directory {
	return &Directory{markets: make(map[string]*AMM)}
}

// Add approves a market. Re-adding an existing name is an error.
func (d *Directory) Add(a *AMM) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.markets[a.Name()]; ok {
		return fmt.Errorf("vamm: market %q already registered", a.Name())
	}
	d.markets[a.Name()] = a
	return nil
}

// Remove revokes a market's approval. Open positions on it can still be
// closed by the engine through the retained handle until it is dropped.
func (d *Directory) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.markets, name)
}

func (d *Directory) IsMarket(ctx context.Context, market string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.markets[market]
	return ok, nil
}

func (d *Directory) AllMarkets(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.markets))
	for name := range d.markets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Directory) Gateway(market string) (engine.Market, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.markets[market]
	if !ok {
		return nil, fmt.Errorf("vamm: no gateway for market %q", market)
	}
	return a, nil
}

// FlushAll delivers queued replies from every market in name order.
func (d *Directory) FlushAll(ctx context.Context, sink Sink) error {
	names, _ := d.AllMarkets(ctx)
	for _, name := range names {
		d.mu.RLock()
		a := d.markets[name]
		d.mu.RUnlock()
		if a == nil {
			continue
		}
		if err := a.Flush(ctx, sink); err != nil {
			return err
		}
	}
	return nil
}
