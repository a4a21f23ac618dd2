package exports

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StatusCache mirrors job status snapshots into Redis so dashboards and
// sibling processes can observe export progress without hitting the API.
// It is strictly write-through: the in-memory registry stays the source of
// truth and cache failures are never fatal.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// StatusCacheConfig holds cache configuration.
type StatusCacheConfig struct {
	Client *redis.Client
	TTL    time.Duration
	Logger *zap.Logger
}

// NewStatusCache creates a status snapshot cache.
func NewStatusCache(cfg StatusCacheConfig) *StatusCache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StatusCache{
		client: cfg.Client,
		ttl:    ttl,
		logger: logger,
	}
}

// Snapshot is the cached representation of a job's externally visible state.
type Snapshot struct {
	ExportID    string    `json:"exportId"`
	Status      Status    `json:"status"`
	Progress    Progress  `json:"progress"`
	Error       *string   `json:"error"`
	CreatedAt   time.Time `json:"createdAt"`
	CompletedAt *string   `json:"completedAt"`
	OutputURI   string    `json:"outputUri,omitempty"`
}

// Publish stores the job's snapshot under a TTL-bounded key.
func (c *StatusCache) Publish(ctx context.Context, job Job) error {
	snap := Snapshot{
		ExportID:  job.ID.String(),
		Status:    job.Status,
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt,
		OutputURI: job.OutputURI,
	}
	if job.Error != "" {
		msg := job.Error
		snap.Error = &msg
	}
	if job.CompletedAt != nil {
		completed := job.CompletedAt.UTC().Format(time.RFC3339)
		snap.CompletedAt = &completed
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(job.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get retrieves a cached snapshot; a nil result means the key is absent.
func (c *StatusCache) Get(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	data, err := c.client.Get(ctx, c.key(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (c *StatusCache) key(id uuid.UUID) string {
	return fmt.Sprintf("exports:status:%s", id.String())
}
