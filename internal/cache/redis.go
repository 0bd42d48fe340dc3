package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const defaultRedisNamespace = "imgloader:blob:"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	TLS       RedisTLSConfig
	TTL       time.Duration
	Namespace string
}

type redisStore struct {
	client    valkey.Client
	ttl       time.Duration
	namespace string
}

// NewRedis connects a valkey-backed Store and verifies the connection with a
// PING before returning.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	return &redisStore{client: client, ttl: ttl, namespace: namespace}, nil
}

func (s *redisStore) Lookup(ctx context.Context, key string) (Blob, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.namespace+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Blob{}, false, nil
		}
		return Blob{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Blob{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var blob Blob
	if err := json.Unmarshal(payload, &blob); err != nil {
		return Blob{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return blob, true, nil
}

func (s *redisStore) Save(ctx context.Context, key string, blob Blob) error {
	if blob.StoredAt.IsZero() {
		blob.StoredAt = time.Now().UTC()
	}
	if blob.ExpiresAt.IsZero() || blob.ExpiresAt.Before(blob.StoredAt) {
		blob.ExpiresAt = blob.StoredAt.Add(s.ttl)
	}
	ttl := time.Until(blob.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(s.namespace + key).Value(string(payload)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// DeletePrefix walks the keyspace with SCAN so large stores are never blocked
// by a single KEYS call.
func (s *redisStore) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	pattern := escapeGlob(s.namespace+prefix) + "*"
	var cursor uint64
	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(256).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("cache: redis scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			if err := s.client.Do(ctx, s.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("cache: redis del: %w", err)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

func (s *redisStore) Size(ctx context.Context) (int64, error) {
	resp := s.client.Do(ctx, s.client.B().Dbsize().Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis dbsize: %w", err)
	}
	return size, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
