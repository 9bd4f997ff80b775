package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/exonet/tokenvault/pkg/circuit"
)

const replayTTL = 24 * time.Hour

// replayStore remembers the response produced for a request ID so a
// retried create returns the original outcome instead of running twice.
type replayStore interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

// newReplayStore backs replays with redis when a URL is configured and
// falls back to process memory otherwise.
func newReplayStore(redisURL string) replayStore {
	if redisURL == "" {
		return newMemoryReplay()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("gateway: bad redis url, using in-memory replay store: %v", err)
		return newMemoryReplay()
	}
	return &redisReplay{
		rdb:     redis.NewClient(opts),
		breaker: circuit.New(5, 30*time.Second),
	}
}

type redisReplay struct {
	rdb     *redis.Client
	breaker *circuit.Breaker
}

func (r *redisReplay) Get(ctx context.Context, key string) ([]byte, bool) {
	var val []byte
	err := r.breaker.Do(func() error {
		v, err := r.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		}
		val = v
		return err
	})
	if err != nil || val == nil {
		return nil, false
	}
	return val, true
}

func (r *redisReplay) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	err := r.breaker.Do(func() error {
		return r.rdb.Set(ctx, key, val, ttl).Err()
	})
	if err != nil && err != circuit.ErrOpen {
		log.Printf("gateway: replay store set: %v", err)
	}
}

type memoryReplay struct {
	mu sync.Mutex
	m  map[string]memoryEntry
}

type memoryEntry struct {
	val []byte
	exp time.Time
}

func newMemoryReplay() *memoryReplay {
	return &memoryReplay{m: make(map[string]memoryEntry)}
}

func (s *memoryReplay) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || time.Now().After(e.exp) {
		delete(s.m, key)
		return nil, false
	}
	return e.val, true
}

func (s *memoryReplay) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = memoryEntry{val: val, exp: time.Now().Add(ttl)}
}

type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}

// idempotencyMiddleware replays the stored response for a repeated
// X-Request-Id. Only successful outcomes are stored; a failed attempt
// may be retried with the same ID.
func (g *Gateway) idempotencyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			c.Next()
			return
		}
		key := "tokenvault:idem:" + reqID

		if raw, ok := g.replay.Get(c.Request.Context(), key); ok {
			var stored storedResponse
			if err := json.Unmarshal(raw, &stored); err == nil {
				c.Header("X-Idempotent-Replay", "true")
				c.Data(stored.Status, "application/json", stored.Body)
				c.Abort()
				return
			}
		}

		cw := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = cw
		c.Next()

		status := c.Writer.Status()
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			return
		}
		raw, err := json.Marshal(storedResponse{Status: status, Body: cw.buf.Bytes()})
		if err != nil {
			return
		}
		g.replay.Set(c.Request.Context(), key, raw, replayTTL)
	}
}
