package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"weavectl/internal/derpmap"
)

// DerpSource caches the merged relay map (fetched base + local overlay)
// and refreshes it in the background. A failed refresh keeps the previous
// map; losing the feed must not take session creation down with it.
type DerpSource struct {
	url     string
	overlay *derpmap.Overlay
	client  *http.Client
	log     *zap.Logger

	mu      sync.RWMutex
	current *derpmap.Map
}

// NewDerpSource builds a source for the given feed URL and optional
// overlay (nil for none).
func NewDerpSource(url string, overlay *derpmap.Overlay, client *http.Client, log *zap.Logger) *DerpSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &DerpSource{
		url:     url,
		overlay: overlay,
		client:  client,
		log:     log,
		current: derpmap.Apply(nil, overlay),
	}
}

// Refresh fetches the base map once and swaps in the merged result.
func (d *DerpSource) Refresh(ctx context.Context) error {
	base, err := derpmap.Fetch(ctx, d.client, d.url)
	if err != nil {
		return err
	}
	merged := derpmap.Apply(base, d.overlay)

	d.mu.Lock()
	d.current = merged
	d.mu.Unlock()
	d.log.Info("derp map refreshed", zap.Int("regions", len(merged.Regions)))
	return nil
}

// Run refreshes immediately, then on the interval until ctx ends.
func (d *DerpSource) Run(ctx context.Context, interval time.Duration) error {
	if err := d.Refresh(ctx); err != nil {
		d.log.Warn("initial derp map fetch failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.log.Warn("derp map refresh failed", zap.Error(err))
			}
		}
	}
}

// Current returns the latest merged map.
func (d *DerpSource) Current() *derpmap.Map {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}
