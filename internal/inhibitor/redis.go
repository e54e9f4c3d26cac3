package inhibitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// Redis keys for power inhibits
	InhibitHashKey = "power:inhibits"
	InhibitChannel = "power:inhibits"
)

// InhibitData is the JSON document the power manager expects per inhibit.
type InhibitData struct {
	ID       string `json:"id"`
	Who      string `json:"who"`
	What     string `json:"what"`
	Why      string `json:"why"`
	Type     string `json:"type"`
	Duration int64  `json:"duration"`
	Created  int64  `json:"created"`
}

// Hash registers inhibits in the power:inhibits hash. Unlike the socket it
// carries a reason, and the power manager drops it by itself once Duration
// has passed, so a crash cannot keep the device awake forever.
type Hash struct {
	client   *redis.Client
	who      string
	duration time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger

	mu sync.Mutex
	id string
}

func NewHash(client *redis.Client, who string, duration time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Hash {
	return &Hash{
		client:   client,
		who:      who,
		duration: duration,
		clock:    clock,
		logger:   logger.With().Str("component", "inhibitor").Logger(),
	}
}

func (h *Hash) Acquire(ctx context.Context, why string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.id != "" {
		return nil
	}

	data := h.inhibit(uuid.NewString(), why)
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode inhibit: %w", err)
	}

	pipe := h.client.TxPipeline()
	pipe.HSet(ctx, InhibitHashKey, data.ID, payload)
	pipe.Publish(ctx, InhibitChannel, "add:"+data.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register inhibit: %w", err)
	}

	h.id = data.ID
	h.logger.Info().Str("id", data.ID).Str("why", why).Msg("suspend inhibited")
	return nil
}

func (h *Hash) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.id == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := h.client.TxPipeline()
	pipe.HDel(ctx, InhibitHashKey, h.id)
	pipe.Publish(ctx, InhibitChannel, "remove:"+h.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove inhibit %s: %w", h.id, err)
	}

	h.logger.Info().Str("id", h.id).Msg("suspend inhibitor released")
	h.id = ""
	return nil
}

func (h *Hash) inhibit(id, why string) InhibitData {
	return InhibitData{
		ID:       id,
		Who:      h.who,
		What:     "suspend",
		Why:      why,
		Type:     "block",
		Duration: int64(h.duration / time.Second),
		Created:  h.clock.Now().Unix(),
	}
}
