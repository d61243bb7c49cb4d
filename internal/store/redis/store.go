package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"campaign-engine/internal/funding"
	"campaign-engine/internal/model"
)

const (
	keyCampaignIDs   = "campaign:ids"
	keyCampaignState = "campaign:state:"
	keyFunding       = "funding:latest"
	keyVariance      = "campaign:variance:" // hash: instId or "*" -> ATR multiple
	streamEvents     = "campaign:events"

	eventsMaxLen      = 10000
	defaultFundingTTL = 30 * time.Minute
)

// Config configures the Redis store.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Store persists campaign snapshots, the funding snapshot and the
// campaign event stream in Redis.
type Store struct {
	client *goredis.Client

	// OnWrite observes write latency (metrics hook).
	OnWrite func(d time.Duration)
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// New creates a Store and pings the server.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Store{client: client}, nil
}

func (s *Store) observe(start time.Time) {
	if s.OnWrite != nil {
		s.OnWrite(time.Since(start))
	}
}

// SaveCampaign writes a campaign snapshot and indexes its id.
func (s *Store) SaveCampaign(ctx context.Context, st model.CampaignState) error {
	defer s.observe(time.Now())
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: marshal campaign %s: %w", st.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyCampaignState+st.ID, data, 0)
	pipe.SAdd(ctx, keyCampaignIDs, st.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save campaign %s: %w", st.ID, err)
	}
	return nil
}

// LoadCampaign reads a campaign snapshot; ok is false when absent.
func (s *Store) LoadCampaign(ctx context.Context, id string) (model.CampaignState, bool, error) {
	var st model.CampaignState
	data, err := s.client.Get(ctx, keyCampaignState+id).Bytes()
	if err == goredis.Nil {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("redis: load campaign %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, false, fmt.Errorf("redis: decode campaign %s: %w", id, err)
	}
	return st, true, nil
}

// DeleteCampaign removes a campaign snapshot.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	defer s.observe(time.Now())
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyCampaignState+id)
	pipe.SRem(ctx, keyCampaignIDs, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete campaign %s: %w", id, err)
	}
	return nil
}

// CampaignIDs lists the ids with a stored snapshot.
func (s *Store) CampaignIDs(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, keyCampaignIDs).Result()
}

// SaveFunding replaces the cached funding snapshot.
func (s *Store) SaveFunding(ctx context.Context, snap map[string]funding.Info) error {
	defer s.observe(time.Now())
	fields := make(map[string]interface{}, len(snap))
	for id, info := range snap {
		b, err := json.Marshal(info)
		if err != nil {
			continue
		}
		fields[id] = b
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyFunding)
	if len(fields) > 0 {
		pipe.HSet(ctx, keyFunding, fields)
		pipe.Expire(ctx, keyFunding, defaultFundingTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save funding: %w", err)
	}
	return nil
}

// LoadFunding reads the cached funding snapshot.
func (s *Store) LoadFunding(ctx context.Context) (map[string]funding.Info, error) {
	raw, err := s.client.HGetAll(ctx, keyFunding).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load funding: %w", err)
	}
	out := make(map[string]funding.Info, len(raw))
	for id, v := range raw {
		var info funding.Info
		if json.Unmarshal([]byte(v), &info) == nil {
			out[id] = info
		}
	}
	return out, nil
}

// PublishEvent appends a campaign event to the events stream.
func (s *Store) PublishEvent(ctx context.Context, ev model.CampaignEvent) error {
	defer s.observe(time.Now())
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamEvents,
		MaxLen: eventsMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"campaign_id": ev.CampaignID,
			"kind":        ev.Kind,
			"data":        data,
		},
	}).Err()
}

// ErrNoMultiple is returned when no trailing multiple is configured for a
// campaign instrument.
var ErrNoMultiple = errors.New("redis: no trailing multiple configured")

const anyInstrument = "*"

// SetMultiple stores the operator-chosen ATR multiple of an auto-trailing
// campaign. An empty instID sets the campaign-wide default.
func (s *Store) SetMultiple(ctx context.Context, campaignID, instID string, multiple float64) error {
	defer s.observe(time.Now())
	if instID == "" {
		instID = anyInstrument
	}
	if err := s.client.HSet(ctx, keyVariance+campaignID, instID, strconv.FormatFloat(multiple, 'f', -1, 64)).Err(); err != nil {
		return fmt.Errorf("redis: set multiple %s/%s: %w", campaignID, instID, err)
	}
	return nil
}

// Multiple resolves the ATR multiple of instID, falling back to the
// campaign-wide default.
func (s *Store) Multiple(ctx context.Context, campaignID, instID string) (float64, error) {
	vals, err := s.client.HMGet(ctx, keyVariance+campaignID, instID, anyInstrument).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: load multiple %s/%s: %w", campaignID, instID, err)
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return 0, fmt.Errorf("redis: multiple %s/%s: %w", campaignID, instID, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%s/%s: %w", campaignID, instID, ErrNoMultiple)
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
