package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"linkscrub/internal/config"
)

const (
	keyPrefix  = "linkscrub:"
	defaultTTL = time.Hour
	seenTTL    = 24 * time.Hour
)

// Entry is a processed response stored in Redis.
type Entry struct {
	Body       []byte      `json:"body"`
	Headers    http.Header `json:"headers"`
	StatusCode int         `json:"status_code"`
	Timestamp  time.Time   `json:"timestamp"`
	MaxAge     *int        `json:"max_age,omitempty"`
	Expires    *time.Time  `json:"expires,omitempty"`
}

// Cache stores processed responses and per-crawl visited sets in Redis.
type Cache struct {
	client *redis.Client
}

func New(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &Cache{client: client}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Get returns the cached entry for req, or nil on a miss, an expired entry or
// a Redis error.
func (c *Cache) Get(req *http.Request) *Entry {
	data, err := c.client.Get(req.Context(), c.generateKey(req)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Error("Failed to read cache entry", "error", err)
		}
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Error("Failed to decode cache entry", "error", err)
		return nil
	}

	if c.isExpired(&entry) {
		return nil
	}
	return &entry
}

// Set stores entry for req. Freshness comes from the entry's headers.
func (c *Cache) Set(req *http.Request, entry *Entry) error {
	if entry.MaxAge == nil {
		entry.MaxAge = parseMaxAge(entry.Headers.Get("Cache-Control"))
	}
	if entry.Expires == nil {
		entry.Expires = parseExpires(entry.Headers.Get("Expires"))
	}

	ttl := c.calculateTTL(entry)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	if err := c.client.Set(req.Context(), c.generateKey(req), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// MarkSeen adds link to the visited set of a crawl and reports whether it was
// new.
func (c *Cache) MarkSeen(ctx context.Context, crawlID, link string) (bool, error) {
	key := keyPrefix + "seen:" + crawlID

	var added *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, key, link)
		pipe.Expire(ctx, key, seenTTL)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record visited link: %w", err)
	}
	return added.Val() == 1, nil
}

// IsCacheable reports whether resp may be stored.
func (c *Cache) IsCacheable(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	if resp.Header.Get("Set-Cookie") != "" {
		return false
	}

	cacheControl := strings.ToLower(resp.Header.Get("Cache-Control"))
	for _, directive := range []string{"no-cache", "no-store", "private"} {
		if strings.Contains(cacheControl, directive) {
			return false
		}
	}
	return true
}

func (c *Cache) generateKey(req *http.Request) string {
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}

	h := xxhash.New()
	h.WriteString(req.Method)
	h.WriteString(" ")
	h.WriteString(host)
	h.WriteString(req.URL.Path)
	h.WriteString("?")
	h.WriteString(req.URL.RawQuery)
	return keyPrefix + "page:" + strconv.FormatUint(h.Sum64(), 16)
}

func (c *Cache) isExpired(entry *Entry) bool {
	now := time.Now()
	switch {
	case entry.MaxAge != nil:
		return now.After(entry.Timestamp.Add(time.Duration(*entry.MaxAge) * time.Second))
	case entry.Expires != nil:
		return now.After(*entry.Expires)
	default:
		return now.After(entry.Timestamp.Add(defaultTTL))
	}
}

func (c *Cache) calculateTTL(entry *Entry) time.Duration {
	switch {
	case entry.MaxAge != nil:
		return time.Duration(*entry.MaxAge)*time.Second - time.Since(entry.Timestamp)
	case entry.Expires != nil:
		return time.Until(*entry.Expires)
	default:
		return defaultTTL - time.Since(entry.Timestamp)
	}
}

func parseMaxAge(cacheControl string) *int {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		value, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return nil
		}
		return &seconds
	}
	return nil
}

func parseExpires(expires string) *time.Time {
	if expires == "" {
		return nil
	}
	t, err := http.ParseTime(expires)
	if err != nil {
		return nil
	}
	return &t
}
