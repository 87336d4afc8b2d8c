package authority

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "fwrelay:"
	defaultRedisTTL    = 2 * time.Minute
)

type redisClient interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Redis reads the flow table from Redis, where an external controller keeps
// it. Each client endpoint has a set of server endpoints under
// <prefix>flow:<ip>:<port>; registrations are written as a hash under
// <prefix>proxy:<ip>:<port> and expire after the configured TTL.
type Redis struct {
	client redisClient
	closer func() error
	prefix string
	ttl    time.Duration
}

var _ Authority = (*Redis)(nil)

// NewRedis connects lazily to the server in rawURL. Besides the options
// understood by go-redis, the query parameters prefix and ttl set the key
// prefix and registration lifetime.
func NewRedis(rawURL string) (*Redis, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	r := &Redis{prefix: defaultRedisPrefix, ttl: defaultRedisTTL}

	q := u.Query()
	if p := q.Get("prefix"); p != "" {
		r.prefix = p
	}
	if s := q.Get("ttl"); s != "" {
		ttl, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid redis ttl: %w", err)
		}
		r.ttl = ttl
	}
	q.Del("prefix")
	q.Del("ttl")
	u.RawQuery = q.Encode()

	opt, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	r.client = rdb
	r.closer = rdb.Close
	return r, nil
}

func (r *Redis) flowKey(client netip.AddrPort) string {
	return r.prefix + "flow:" + client.String()
}

func (r *Redis) proxyKey(client netip.AddrPort) string {
	return r.prefix + "proxy:" + client.String()
}

func (r *Redis) Resolve(ctx context.Context, f Flow) (netip.AddrPort, error) {
	members, err := r.client.SMembers(ctx, r.flowKey(f.Client)).Result()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: redis: %w", f.Client, err)
	}
	servers := make([]netip.AddrPort, 0, len(members))
	for _, m := range members {
		ap, err := netip.ParseAddrPort(m)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("resolve %s: bad server %q: %w", f.Client, m, err)
		}
		servers = append(servers, ap)
	}
	return pick(f.Client, servers)
}

func (r *Redis) Register(ctx context.Context, b Binding) error {
	key := r.proxyKey(b.Client)
	if err := r.client.HSet(ctx, key, "server", b.Server.String(), "proxy", b.Proxy.String()).Err(); err != nil {
		return fmt.Errorf("register %s: redis: %w", b, err)
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return fmt.Errorf("register %s: redis expire: %w", b, err)
		}
	}
	return nil
}

func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
