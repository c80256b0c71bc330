package homeassistant

import (
	"context"
	"log/slog"
	"time"

	"github.com/oakhurst/concierge/internal/registry"
)

// Poller periodically pulls entity states and publishes them as a
// whole capability snapshot. It never mutates a published snapshot.
type Poller struct {
	logger   *slog.Logger
	client   *Client
	reg      *registry.Registry
	interval time.Duration
}

// NewPoller creates a discovery poller. Interval values below one
// second are raised to one second.
func NewPoller(logger *slog.Logger, client *Client, reg *registry.Registry, interval time.Duration) *Poller {
	if interval < time.Second {
		interval = time.Second
	}
	return &Poller{
		logger:   logger,
		client:   client,
		reg:      reg,
		interval: interval,
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately
// so the snapshot is warm before the first turn.
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll fetches all entity states and swaps in a fresh snapshot. A
// failed poll leaves the previous snapshot in place; it ages out via
// the registry TTL rather than vanishing abruptly.
func (p *Poller) poll(ctx context.Context) {
	states, err := p.client.GetStates(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("capability poll failed", "error", err)
		}
		return
	}

	entities := make([]registry.Entity, 0, len(states))
	for _, s := range states {
		entities = append(entities, registry.Entity{
			EntityID:     s.EntityID,
			State:        s.State,
			FriendlyName: s.FriendlyName(),
			Attributes:   s.Attributes,
		})
	}

	p.reg.PublishSnapshot(&registry.Snapshot{
		Entities: entities,
		TakenAt:  time.Now().UTC(),
		Source:   "homeassistant-poll",
	})

	p.logger.Debug("capability snapshot published",
		"entities", len(entities),
		"source", "homeassistant-poll",
	)
}
