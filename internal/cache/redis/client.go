package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/metrics"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/pkg/logger"
)

type Client struct {
	client redis.UniversalClient
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

// NewFromClient wraps an existing connection.
func NewFromClient(client redis.UniversalClient) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func evaluationKey(hash string) string {
	return fmt.Sprintf("evaluation:%s", hash)
}

func (c *Client) SetEvaluations(ctx context.Context, hash string, evals []models.EligibilityEvaluation, ttl time.Duration) error {
	data, err := json.Marshal(evals)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluations: %w", err)
	}

	err = c.client.Set(ctx, evaluationKey(hash), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set evaluation cache: %w", err)
	}

	logger.Debug("Evaluations cached", zap.String("hash", hash), zap.Int("count", len(evals)), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetEvaluations(ctx context.Context, hash string) ([]models.EligibilityEvaluation, bool, error) {
	data, err := c.client.Get(ctx, evaluationKey(hash)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("evaluation").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get evaluation cache: %w", err)
	}

	var evals []models.EligibilityEvaluation
	if err := json.Unmarshal(data, &evals); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal evaluations: %w", err)
	}

	metrics.CacheHits.WithLabelValues("evaluation").Inc()
	logger.Debug("Evaluation cache hit", zap.String("hash", hash))
	return evals, true, nil
}

// InvalidateEvaluations drops every cached evaluation, used after a trial's
// criteria change.
func (c *Client) InvalidateEvaluations(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "evaluation:*", 0).Iterator()
	for iter.Next(ctx) {
		err := c.client.Del(ctx, iter.Val()).Err()
		if err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Evaluation cache invalidated")
	return nil
}

func (c *Client) IncrementMetric(ctx context.Context, metricName string) error {
	return c.client.Incr(ctx, fmt.Sprintf("metric:%s", metricName)).Err()
}

func (c *Client) GetMetric(ctx context.Context, metricName string) (int64, error) {
	val, err := c.client.Get(ctx, fmt.Sprintf("metric:%s", metricName)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}
