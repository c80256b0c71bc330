package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/oakhurst/concierge/internal/config"
	"github.com/oakhurst/concierge/internal/registry"
)

// flushInterval is how often accumulated state changes are folded into
// a published snapshot.
const flushInterval = 5 * time.Second

// Subscriber listens on the HA statestream topic tree and republishes
// the accumulated entity states as registry snapshots.
type Subscriber struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	reg    *registry.Registry
	limit  *messageRateLimiter
	cm     *autopaho.ConnectionManager

	mu       sync.Mutex
	entities map[string]*registry.Entity
	dirty    bool
}

// NewSubscriber creates a statestream subscriber. Call Start to
// connect and begin feeding snapshots.
func NewSubscriber(cfg config.MQTTConfig, reg *registry.Registry, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		cfg:      cfg,
		logger:   logger,
		reg:      reg,
		limit:    newMessageRateLimiter(1000, time.Second, logger),
		entities: make(map[string]*registry.Entity),
	}
}

// topicFilter is the statestream subscription pattern.
func (s *Subscriber) topicFilter() string {
	return s.cfg.TopicPrefix + "/statestream/#"
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it re-subscribes to the statestream filter;
// autopaho handles the reconnection itself.
func (s *Subscriber) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: s.topicFilter(), QoS: 0},
				},
			}); err != nil {
				s.logger.Warn("mqtt subscribe failed",
					"filter", s.topicFilter(), "error", err)
			}
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if !s.limit.allow() {
						return true, nil
					}
					s.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go s.limit.start(ctx)
	s.runFlushLoop(ctx)
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	return s.cm.Disconnect(ctx)
}

// handleMessage folds one statestream message into the entity map.
// Topics follow <prefix>/statestream/<domain>/<object_id>/<attr>; the
// "state" attribute carries the entity state, friendly_name is kept,
// everything else is ignored.
func (s *Subscriber) handleMessage(topic string, payload []byte) {
	entityID, attr, ok := s.parseTopic(topic)
	if !ok {
		return
	}

	value := strings.Trim(string(payload), `"`)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityID]
	if !ok {
		e = &registry.Entity{EntityID: entityID}
		s.entities[entityID] = e
	}

	switch attr {
	case "state":
		e.State = value
	case "friendly_name":
		e.FriendlyName = value
	default:
		return
	}
	s.dirty = true
}

// parseTopic extracts entity id and attribute from a statestream topic.
func (s *Subscriber) parseTopic(topic string) (entityID, attr string, ok bool) {
	prefix := s.cfg.TopicPrefix + "/statestream/"
	rest, found := strings.CutPrefix(topic, prefix)
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[0] + "." + parts[1], parts[2], true
}

// runFlushLoop publishes a snapshot whenever changes accumulated since
// the last tick.
func (s *Subscriber) runFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush publishes the accumulated entities as a whole snapshot. The
// entity map is copied; published snapshots are never mutated.
func (s *Subscriber) flush() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false

	entities := make([]registry.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, *e)
	}
	s.mu.Unlock()

	s.reg.PublishSnapshot(&registry.Snapshot{
		Entities: entities,
		TakenAt:  time.Now().UTC(),
		Source:   "mqtt-statestream",
	})

	s.logger.Debug("capability snapshot published",
		"entities", len(entities),
		"source", "mqtt-statestream",
	)
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled.
// At each interval boundary it resets the message counter and logs a
// warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the current
// count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
