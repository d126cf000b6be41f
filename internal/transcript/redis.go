package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sms_transcript:"

// RedisSource reads the transcript list the backend keeps in Redis.
type RedisSource struct {
	client *redis.Client
	limit  int64
}

func NewRedisSource(client *redis.Client, limit int) *RedisSource {
	return &RedisSource{client: client, limit: int64(limit)}
}

// DialRedis parses a redis:// url and pings the server.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisKey returns the list key holding a conversation's transcript.
func RedisKey(conversationID string) string {
	return redisKeyPrefix + conversationID
}

func (s *RedisSource) Fetch(ctx context.Context, orgID, phone string) (Transcript, error) {
	conv := ConversationID(orgID, phone)
	start := int64(0)
	if s.limit > 0 {
		start = -s.limit
	}

	raw, err := s.client.LRange(ctx, RedisKey(conv), start, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Transcript{}, fmt.Errorf("lrange %s: %w", RedisKey(conv), err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			slog.Warn("transcript: skipping undecodable redis entry", "conversation_id", conv, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return Transcript{ConversationID: conv, Messages: msgs}, nil
}
