package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig selects the redis database used by RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps links in redis under a common key prefix. Values are JSON.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redis and checks the connection.
func NewRedisStore(cfg RedisConfig, log *logrus.Entry) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	log.WithField("addr", cfg.Addr).Info("connected to redis")
	return &RedisStore{client: rdb, prefix: cfg.Prefix}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) controlKey(control string) string {
	return r.prefix + "control:" + control
}

func (r *RedisStore) numberKey(number string) string {
	return r.prefix + "number:" + number
}

func (r *RedisStore) bridgedKey(room string) string {
	return r.prefix + "bridged:" + room
}

func (r *RedisStore) remoteKey(control, remote string) string {
	return r.prefix + "remote:" + control + ":" + remote
}

func (r *RedisStore) tokenKey(token string) string {
	return r.prefix + "webhook:" + token
}

func (r *RedisStore) controlTokenKey(control string) string {
	return r.prefix + "webhook-control:" + control
}

func (r *RedisStore) get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	raw, err := r.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) ControlConfig(ctx context.Context, control string) (ControlConfig, error) {
	var cfg ControlConfig
	err := r.getJSON(ctx, r.controlKey(control), &cfg)
	return cfg, err
}

func (r *RedisStore) SetControlConfig(ctx context.Context, control string, cfg ControlConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode control config: %w", err)
	}
	old, err := r.ControlConfig(ctx, control)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old.Number != "" && old.Number != cfg.Number {
			pipe.Del(ctx, r.numberKey(old.Number))
		}
		pipe.Set(ctx, r.controlKey(control), data, 0)
		pipe.Set(ctx, r.numberKey(cfg.Number), control, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store control config for %s: %w", control, err)
	}
	return nil
}

func (r *RedisStore) DeleteControlConfig(ctx context.Context, control string) error {
	old, err := r.ControlConfig(ctx, control)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.controlKey(control), r.numberKey(old.Number)).Err(); err != nil {
		return fmt.Errorf("delete control config for %s: %w", control, err)
	}
	return nil
}

func (r *RedisStore) ControlForNumber(ctx context.Context, number string) (string, error) {
	return r.get(ctx, r.numberKey(number))
}

func (r *RedisStore) BridgedRoom(ctx context.Context, room string) (BridgedRoom, error) {
	var br BridgedRoom
	err := r.getJSON(ctx, r.bridgedKey(room), &br)
	return br, err
}

func (r *RedisStore) SetBridgedRoom(ctx context.Context, room string, br BridgedRoom) error {
	data, err := json.Marshal(br)
	if err != nil {
		return fmt.Errorf("encode bridged room: %w", err)
	}
	old, err := r.BridgedRoom(ctx, room)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old.Control != "" {
			pipe.Del(ctx, r.remoteKey(old.Control, old.Remote))
		}
		pipe.Set(ctx, r.bridgedKey(room), data, 0)
		pipe.Set(ctx, r.remoteKey(br.Control, br.Remote), room, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store bridged room %s: %w", room, err)
	}
	return nil
}

func (r *RedisStore) DeleteBridgedRoom(ctx context.Context, room string) error {
	old, err := r.BridgedRoom(ctx, room)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.bridgedKey(room), r.remoteKey(old.Control, old.Remote)).Err(); err != nil {
		return fmt.Errorf("delete bridged room %s: %w", room, err)
	}
	return nil
}

func (r *RedisStore) RoomForNumber(ctx context.Context, control, remote string) (string, error) {
	return r.get(ctx, r.remoteKey(control, remote))
}

func (r *RedisStore) SetWebhookToken(ctx context.Context, control, token string) error {
	old, err := r.get(ctx, r.controlTokenKey(control))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != "" {
			pipe.Del(ctx, r.tokenKey(old))
		}
		pipe.Set(ctx, r.tokenKey(token), control, 0)
		pipe.Set(ctx, r.controlTokenKey(control), token, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store webhook token for %s: %w", control, err)
	}
	return nil
}

func (r *RedisStore) ControlForToken(ctx context.Context, token string) (string, error) {
	return r.get(ctx, r.tokenKey(token))
}

func (r *RedisStore) DeleteWebhookToken(ctx context.Context, control string) error {
	tok, err := r.get(ctx, r.controlTokenKey(control))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.tokenKey(tok), r.controlTokenKey(control)).Err(); err != nil {
		return fmt.Errorf("delete webhook token for %s: %w", control, err)
	}
	return nil
}
