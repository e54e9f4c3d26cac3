// Package datacache publishes the cellular lifecycle status into Redis and
// reads the configuration and commands other services leave there.
package datacache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store keeps every owned entry as a Redis hash. Writes only touch the fields
// whose value changed and announce each of them with PUBLISH <hash> <field>.
type Store struct {
	client *redis.Client
	logger zerolog.Logger

	mu   sync.Mutex
	last map[string]map[string]string
}

func NewStore(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.With().Str("component", "datacache").Logger(),
		last:   make(map[string]map[string]string),
	}
}

func (s *Store) PublishCellularInfo(ctx context.Context, info CellularInfo) error {
	return s.write(ctx, KeyCellular, info.fields())
}

func (s *Store) PublishSimInfo(ctx context.Context, info SimInfo) error {
	return s.write(ctx, KeySim, info.fields())
}

func (s *Store) PublishDataInfo(ctx context.Context, info DataInfo) error {
	return s.write(ctx, KeyData, info.fields())
}

func (s *Store) PublishNFMCInfo(ctx context.Context, info NFMCInfo) error {
	return s.write(ctx, KeyNFMC, info.fields())
}

func (s *Store) ReadDataInfo(ctx context.Context) (DataInfo, error) {
	m, err := s.client.HGetAll(ctx, KeyData).Result()
	if err != nil {
		return DataInfo{}, fmt.Errorf("failed to read %s: %w", KeyData, err)
	}
	return parseDataInfo(m), nil
}

func (s *Store) ReadTargetCommand(ctx context.Context) (TargetCommand, error) {
	m, err := s.client.HGetAll(ctx, KeyTarget).Result()
	if err != nil {
		return TargetCommand{}, fmt.Errorf("failed to read %s: %w", KeyTarget, err)
	}
	return parseTargetCommand(m)
}

// ReadParams overlays the cellular:params hash on base. A missing hash
// leaves base untouched.
func (s *Store) ReadParams(ctx context.Context, base Params) (Params, error) {
	m, err := s.client.HGetAll(ctx, KeyParams).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return base, nil
		}
		return base, fmt.Errorf("failed to read %s: %w", KeyParams, err)
	}
	return ParseParams(m, base)
}

// Watch delivers the watched entry whenever one of them is published.
// Notices of the data entry that only echo this Store's own write are
// skipped. It returns when ctx is cancelled.
func (s *Store) Watch(ctx context.Context, fn func(Entry)) error {
	pubsub := s.client.Subscribe(ctx, KeyData, KeyTarget)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to data cache entries: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			switch msg.Channel {
			case KeyData:
				if s.ownWrite(ctx, KeyData, msg.Payload) {
					continue
				}
				fn(EntryDataInfo)
			case KeyTarget:
				fn(EntryTargetCommand)
			}
		}
	}
}

// ownWrite reports whether field of key still holds the value this Store
// last wrote there.
func (s *Store) ownWrite(ctx context.Context, key, field string) bool {
	s.mu.Lock()
	want, ok := s.last[key][field]
	s.mu.Unlock()
	if !ok {
		return false
	}

	got, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		return false
	}
	return got == want
}

func (s *Store) write(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := changedFields(s.last[key], fields)
	if len(changed) == 0 {
		return nil
	}

	args := make([]interface{}, 0, 2*len(changed))
	for _, f := range changed {
		args = append(args, f, fields[f])
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, args...)
	for _, f := range changed {
		pipe.Publish(ctx, key, f)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	s.last[key] = fields
	s.logger.Debug().Str("hash", key).Strs("fields", changed).Msg("published")
	return nil
}

// changedFields lists, in sorted order, the fields of next that differ from prev.
func changedFields(prev, next map[string]string) []string {
	var changed []string
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// ParseParams overlays the flat hash representation of the params on base:
// target-state, set-pdn-mode, nfmc-active, nfmc-base (comma separated) and
// slot:<n>:type|apn|cid|username|password.
func ParseParams(m map[string]string, base Params) (Params, error) {
	p := base
	p.SimSlots = append([]SimSlot(nil), base.SimSlots...)

	if v, ok := m["target-state"]; ok {
		t, err := ParseTargetState(v)
		if err != nil {
			return base, err
		}
		p.TargetState = t
	}
	if v, ok := m["set-pdn-mode"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return base, fmt.Errorf("set-pdn-mode: %w", err)
		}
		p.SetPDNMode = b
	}
	if v, ok := m["nfmc-active"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return base, fmt.Errorf("nfmc-active: %w", err)
		}
		p.NFMCActive = b
	}
	if v, ok := m["nfmc-base"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) != len(p.NFMCBase) {
			return base, fmt.Errorf("nfmc-base needs %d values, got %d", len(p.NFMCBase), len(parts))
		}
		for i, part := range parts {
			n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
			if err != nil {
				return base, fmt.Errorf("nfmc-base[%d]: %w", i, err)
			}
			p.NFMCBase[i] = uint32(n)
		}
	}

	for i := 0; i < MaxSimSlots; i++ {
		prefix := fmt.Sprintf("slot:%d:", i)
		t, ok := m[prefix+"type"]
		if !ok {
			continue
		}
		for len(p.SimSlots) <= i {
			p.SimSlots = append(p.SimSlots, SimSlot{Type: SlotModemSocket, CID: 1})
		}
		slot := &p.SimSlots[i]
		slot.Type = SlotType(t)
		if v, ok := m[prefix+"apn"]; ok {
			slot.APN = v
		}
		if v, ok := m[prefix+"cid"]; ok {
			cid, err := strconv.Atoi(v)
			if err != nil {
				return base, fmt.Errorf("%scid: %w", prefix, err)
			}
			slot.CID = cid
		}
		if v, ok := m[prefix+"username"]; ok {
			slot.Username = v
		}
		if v, ok := m[prefix+"password"]; ok {
			slot.Password = v
		}
	}

	if err := p.Validate(); err != nil {
		return base, err
	}
	return p, nil
}
