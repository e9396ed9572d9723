package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"ridepool/internal/model"
)

// FirehoseChannel receives every outbound event regardless of tour.
const FirehoseChannel = "ridepool:events"

// RedisPublisher fans events out over Redis pub/sub so every API instance can stream them.
// Tour events go to "route:<tourID>" as well as the firehose channel.
type RedisPublisher struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[chan model.Event]*redis.PubSub
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, subs: map[chan model.Event]*redis.PubSub{}}
}

func (p *RedisPublisher) chanName(tourID string) string { return "route:" + tourID }

func (p *RedisPublisher) Publish(ctx context.Context, ev model.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := p.rdb.Pipeline()
	pipe.Publish(ctx, FirehoseChannel, data)
	if ev.TourID != "" {
		pipe.Publish(ctx, p.chanName(ev.TourID), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Subscribe streams the events of one tour until Unsubscribe is called.
func (p *RedisPublisher) Subscribe(tourID string) chan model.Event {
	ch := make(chan model.Event, 16)
	ctx := context.Background()
	ps := p.rdb.Subscribe(ctx, p.chanName(tourID))
	if _, err := ps.Receive(ctx); err != nil {
		log.Warn().Err(err).Str("tour", tourID).Msg("redis subscribe")
	}
	p.mu.Lock()
	p.subs[ch] = ps
	p.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var ev model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Debug().Err(err).Str("channel", msg.Channel).Msg("drop undecodable event")
				continue
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the subscription; ch is closed once the reader goroutine exits.
func (p *RedisPublisher) Unsubscribe(_ string, ch chan model.Event) {
	p.mu.Lock()
	ps, ok := p.subs[ch]
	delete(p.subs, ch)
	p.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}
