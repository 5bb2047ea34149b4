package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis"
)

// RedisConfig configures the Redis rule store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "petalrules:".
	Prefix string
}

// RedisStore keeps each rule as a JSON string, a name -> id key per named
// rule and a list of ids for insertion order.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("rule store redis addr is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "petalrules:"
	}

	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := c.WithContext(ctx).Ping().Result(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("rule redis store ping: %w", err)
	}
	return &RedisStore{client: c, prefix: prefix}, nil
}

func (s *RedisStore) ruleKey(id string) string   { return s.prefix + "rule:" + id }
func (s *RedisStore) nameKey(name string) string { return s.prefix + "name:" + name }
func (s *RedisStore) orderKey() string           { return s.prefix + "rules" }

// Put stores a new rule. The name is claimed with SETNX before the rule
// itself is written so two concurrent writers cannot share a name.
func (s *RedisStore) Put(ctx context.Context, name, text string, ast []byte) (Rule, error) {
	rule := newRule(name, text, ast)
	data, err := marshalJSON(rule)
	if err != nil {
		return Rule{}, wrapErr(DriverRedis, "put encode", err)
	}
	c := s.client.WithContext(ctx)

	if rule.Name != "" {
		claimed, err := c.SetNX(s.nameKey(rule.Name), rule.ID, 0).Result()
		if err != nil {
			return Rule{}, wrapErr(DriverRedis, "put claim name", err)
		}
		if !claimed {
			return Rule{}, ErrRuleExists
		}
	}

	_, err = c.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.Set(s.ruleKey(rule.ID), data, 0)
		pipe.RPush(s.orderKey(), rule.ID)
		return nil
	})
	if err != nil {
		if rule.Name != "" {
			_ = c.Del(s.nameKey(rule.Name)).Err()
		}
		return Rule{}, wrapErr(DriverRedis, "put", err)
	}
	return rule, nil
}

// Get returns one rule by ID or name.
func (s *RedisStore) Get(ctx context.Context, idOrName string) (Rule, error) {
	key := strings.TrimSpace(idOrName)
	c := s.client.WithContext(ctx)

	rule, err := s.getByID(c, key)
	if !errors.Is(err, ErrRuleNotFound) {
		return rule, err
	}
	id, err := c.Get(s.nameKey(key)).Result()
	if err == redis.Nil {
		return Rule{}, ErrRuleNotFound
	}
	if err != nil {
		return Rule{}, wrapErr(DriverRedis, "get name", err)
	}
	return s.getByID(c, id)
}

func (s *RedisStore) getByID(c *redis.Client, id string) (Rule, error) {
	raw, err := c.Get(s.ruleKey(id)).Bytes()
	if err == redis.Nil {
		return Rule{}, ErrRuleNotFound
	}
	if err != nil {
		return Rule{}, wrapErr(DriverRedis, "get", err)
	}
	var rule Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return Rule{}, wrapErr(DriverRedis, "get decode", err)
	}
	return rule, nil
}

// Delete removes one rule by ID along with its name claim.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	c := s.client.WithContext(ctx)
	rule, err := s.getByID(c, strings.TrimSpace(id))
	if err != nil {
		return err
	}

	_, err = c.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.Del(s.ruleKey(rule.ID))
		pipe.LRem(s.orderKey(), 0, rule.ID)
		if rule.Name != "" {
			pipe.Del(s.nameKey(rule.Name))
		}
		return nil
	})
	return wrapErr(DriverRedis, "delete", err)
}

// List returns all rules in insertion order.
func (s *RedisStore) List(ctx context.Context) ([]RuleSummary, error) {
	c := s.client.WithContext(ctx)
	ids, err := c.LRange(s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapErr(DriverRedis, "list", err)
	}
	out := make([]RuleSummary, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.ruleKey(id)
	}
	values, err := c.MGet(keys...).Result()
	if err != nil {
		return nil, wrapErr(DriverRedis, "list fetch", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Deleted between LRANGE and MGET.
			continue
		}
		var rule Rule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			return nil, wrapErr(DriverRedis, "list decode", err)
		}
		out = append(out, rule.Summary())
	}
	return out, nil
}

// Close closes the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
