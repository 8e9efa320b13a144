package webhook

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/clock"
	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResolver struct {
	mu    sync.Mutex
	addrs map[string][]string
	err   error
	calls int
}

func (r *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	var out []net.IPAddr
	for _, a := range r.addrs[host] {
		out = append(out, net.IPAddr{IP: net.ParseIP(a)})
	}
	return out, nil
}

func (r *fakeResolver) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func newTestSourceValidator(resolver *fakeResolver, clk clock.Clock, enabled bool) *SourceValidator {
	gateway := config.DefaultGatewayConfig()
	gateway.ValidHosts = []string{"www.payfast.co.za", "sandbox.payfast.co.za"}
	return NewSourceValidator(SourceParams{
		Cfg:      config.Config{Payment: config.PaymentConfig{VerifySource: enabled}},
		Gateway:  config.NewStaticGatewayConfigHolder(gateway),
		Clock:    clk,
		Log:      zap.NewNop(),
		Resolver: resolver,
	})
}

func gatewayResolver() *fakeResolver {
	return &fakeResolver{addrs: map[string][]string{
		"www.payfast.co.za":     {"197.97.145.144", "41.74.179.194"},
		"sandbox.payfast.co.za": {"197.97.145.145"},
	}}
}

func TestSourceValidatorAllowsGatewayAddresses(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	v := newTestSourceValidator(gatewayResolver(), clk, true)
	require.True(t, v.Enabled())

	for _, ip := range []string{"197.97.145.144", "41.74.179.194", "197.97.145.145"} {
		ok, err := v.Allow(context.Background(), ip)
		require.NoError(t, err)
		assert.True(t, ok, ip)
	}

	ok, err := v.Allow(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = v.Allow(context.Background(), "not-an-ip")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSourceValidatorCachesUntilExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	resolver := gatewayResolver()
	v := newTestSourceValidator(resolver, clk, true)

	_, err := v.Allow(context.Background(), "197.97.145.144")
	require.NoError(t, err)
	_, err = v.Allow(context.Background(), "197.97.145.144")
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.calls)

	clk.Advance(defaultSourceTTL + time.Second)
	_, err = v.Allow(context.Background(), "197.97.145.144")
	require.NoError(t, err)
	assert.Equal(t, 4, resolver.calls)
}

func TestSourceValidatorKeepsStaleAddressesOnLookupFailure(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	resolver := gatewayResolver()
	v := newTestSourceValidator(resolver, clk, true)

	ok, err := v.Allow(context.Background(), "197.97.145.144")
	require.NoError(t, err)
	require.True(t, ok)

	resolver.setErr(errors.New("dns down"))
	clk.Advance(defaultSourceTTL + time.Second)

	ok, err = v.Allow(context.Background(), "197.97.145.144")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSourceValidatorFailsWithoutAnyAddresses(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	resolver := gatewayResolver()
	resolver.setErr(errors.New("dns down"))
	v := newTestSourceValidator(resolver, clk, true)

	ok, err := v.Allow(context.Background(), "197.97.145.144")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestSourceValidatorDisabled(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	assert.False(t, newTestSourceValidator(gatewayResolver(), clk, false).Enabled())

	var nilValidator *SourceValidator
	assert.False(t, nilValidator.Enabled())
}
