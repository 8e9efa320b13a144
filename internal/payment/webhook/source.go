package webhook

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/clock"
	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultSourceTTL = 10 * time.Minute

var errNoGatewayAddresses = errors.New("no gateway addresses resolved")

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type SourceParams struct {
	fx.In

	Cfg      config.Config
	Gateway  *config.GatewayConfigHolder
	Clock    clock.Clock
	Log      *zap.Logger
	Resolver Resolver `optional:"true"`
}

// SourceValidator admits notifications only from addresses that the
// gateway's valid hosts resolve to. Resolved sets are cached for a while and
// a stale set is kept when a refresh fails.
type SourceValidator struct {
	enabled  bool
	gateway  *config.GatewayConfigHolder
	resolver Resolver
	clock    clock.Clock
	ttl      time.Duration
	log      *zap.Logger
	group    singleflight.Group

	mu        sync.RWMutex
	allowed   map[string]struct{}
	hostsKey  string
	expiresAt time.Time
}

func NewSourceValidator(p SourceParams) *SourceValidator {
	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &SourceValidator{
		enabled:  p.Cfg.Payment.VerifySource,
		gateway:  p.Gateway,
		resolver: resolver,
		clock:    p.Clock,
		ttl:      defaultSourceTTL,
		log:      p.Log.Named("payment.webhook.source"),
	}
}

func (v *SourceValidator) Enabled() bool {
	return v != nil && v.enabled
}

// Allow reports whether ip is one of the gateway's addresses. An error means
// no address set could be resolved at all.
func (v *SourceValidator) Allow(ctx context.Context, ip string) (bool, error) {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return false, nil
	}
	allowed, err := v.addresses(ctx)
	if err != nil {
		return false, err
	}
	_, ok := allowed[addr.String()]
	return ok, nil
}

func (v *SourceValidator) addresses(ctx context.Context) (map[string]struct{}, error) {
	hosts := v.gateway.Get().ValidHosts
	key := strings.Join(hosts, ",")
	now := v.clock.Now()

	v.mu.RLock()
	cached, cachedKey, expiresAt := v.allowed, v.hostsKey, v.expiresAt
	v.mu.RUnlock()
	if cached != nil && cachedKey == key && now.Before(expiresAt) {
		return cached, nil
	}

	res, err, _ := v.group.Do(key, func() (any, error) {
		return v.resolve(ctx, hosts)
	})
	if err != nil {
		if cached != nil && cachedKey == key {
			v.log.Warn("gateway host refresh failed, keeping previous addresses", zap.Error(err))
			return cached, nil
		}
		return nil, err
	}

	allowed := res.(map[string]struct{})
	v.mu.Lock()
	v.allowed = allowed
	v.hostsKey = key
	v.expiresAt = now.Add(v.ttl)
	v.mu.Unlock()
	return allowed, nil
}

func (v *SourceValidator) resolve(ctx context.Context, hosts []string) (map[string]struct{}, error) {
	allowed := make(map[string]struct{})
	var lastErr error
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			allowed[ip.String()] = struct{}{}
			continue
		}
		addrs, err := v.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			v.log.Warn("gateway host lookup failed", zap.String("host", host), zap.Error(err))
			lastErr = err
			continue
		}
		for _, addr := range addrs {
			allowed[addr.IP.String()] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		if lastErr == nil {
			lastErr = errNoGatewayAddresses
		}
		return nil, lastErr
	}
	return allowed, nil
}
