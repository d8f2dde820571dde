// Package lim throttles uploads and retrievals per client address.
package lim

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SpyrosRoum/termpad/metrics"
	"github.com/SpyrosRoum/termpad/svc/util"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	DefaultCapacity    = 10000
	adaptiveFor        = 60 * time.Second
	faultWindowAdvance = time.Minute
	redisWindow        = time.Minute
	redisTimeout       = 100 * time.Millisecond
)

// Counter is a shared fixed window counter, implemented by db.Redis.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Options struct {
	// RPM is the sustained number of requests a client may make per minute
	// and endpoint; Burst is how many it may make back to back.
	RPM            int
	Burst          int
	Capacity       int
	TrustedProxies []string
	// Shared is optional. When set, counts are kept there and the in-process
	// limiters are only used while it is unreachable.
	Shared Counter
	Now    func() time.Time
}

type Limiter struct {
	rpm               int
	burst             int
	trustedProxies    []string
	shared            Counter
	local             *lru.Cache[string, *rate.Limiter]
	detector          *FaultDetector
	adaptiveModeUntil int64
	now               func() time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(o Options) (*Limiter, error) {
	if o.RPM < 1 {
		return nil, errors.New("rate limit must be at least 1 request per minute")
	}
	if o.Burst < 1 {
		o.Burst = 1
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if err := ValidateProxies(o.TrustedProxies); err != nil {
		return nil, err
	}
	local, err := lru.New[string, *rate.Limiter](o.Capacity)
	if err != nil {
		return nil, errors.Wrap(err, "create limiter table")
	}
	l := &Limiter{
		rpm:            o.RPM,
		burst:          o.Burst,
		trustedProxies: o.TrustedProxies,
		shared:         o.Shared,
		local:          local,
		now:            o.Now,
	}
	l.detector = NewFaultDetector(l.TriggerAdaptiveMode)
	l.detector.Start(faultWindowAdvance)
	return l, nil
}

func ValidateProxies(proxies []string) error {
	for _, proxy := range proxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return errors.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	return nil
}

func (l *Limiter) Stop() {
	l.detector.Stop()
}

func (l *Limiter) TriggerAdaptiveMode() {
	metrics.AdaptiveThrottle.Inc()
	atomic.StoreInt64(&l.adaptiveModeUntil, l.now().Add(adaptiveFor).UnixNano())
}

func (l *Limiter) isAdaptiveMode() bool {
	return l.now().UnixNano() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordFault()   { l.detector.RecordFault() }

// ClientIP resolves the address a request is throttled under.
func (l *Limiter) ClientIP(r *http.Request) string {
	return GetRealIP(r, l.trustedProxies)
}

// CheckLimit throttles an HTTP request.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) Result {
	return l.Allow(r.Context(), l.ClientIP(r), endpoint)
}

// Allow counts one request from client against endpoint.
func (l *Limiter) Allow(ctx context.Context, client, endpoint string) Result {
	key := endpoint + ":" + client
	var res Result
	if l.shared != nil {
		var ok bool
		res, ok = l.allowShared(ctx, key)
		if !ok {
			res = l.allowLocal(key)
		}
	} else {
		res = l.allowLocal(key)
	}
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		util.Debug().Str("ip", util.RedactIP(client)).Str("endpoint", endpoint).Msg("request throttled")
	}
	return res
}

func (l *Limiter) allowShared(ctx context.Context, key string) (Result, bool) {
	limit := l.rpm + l.burst
	if l.isAdaptiveMode() {
		limit = max(limit/2, 1)
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	usage, err := l.shared.RateLimit(ctx, key, limit, redisWindow)
	if err != nil {
		util.Warn().Err(err).Msg("shared rate limit unavailable, using local fallback")
		return Result{}, false
	}
	now := l.now()
	if usage > limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, Reset: now.Add(redisWindow)}, true
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit - usage, Reset: now.Add(redisWindow)}, true
}

func (l *Limiter) allowLocal(key string) Result {
	lim, ok := l.local.Get(key)
	if !ok {
		fresh := rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)
		prev, found, _ := l.local.PeekOrAdd(key, fresh)
		if found {
			lim = prev
		} else {
			lim = fresh
		}
	}
	now := l.now()
	cost := 1
	if l.isAdaptiveMode() && l.burst > 1 {
		cost = 2
	}
	if !lim.AllowN(now, cost) {
		wait := time.Duration(float64(time.Minute) / float64(l.rpm))
		return Result{Allowed: false, Limit: l.burst, Remaining: 0, Reset: now.Add(wait)}
	}
	return Result{
		Allowed:   true,
		Limit:     l.burst,
		Remaining: max(int(lim.TokensAt(now)), 0),
		Reset:     now.Add(time.Minute),
	}
}

// Tracked reports how many client/endpoint pairs hold a local limiter.
func (l *Limiter) Tracked() int { return l.local.Len() }

// GetRealIP returns the client address of r. X-Forwarded-For is only
// honoured when the direct peer is a trusted proxy, and then the right-most
// untrusted hop wins.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 {
		return remoteIP
	}
	if !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		var ipStr string
		if lastComma := strings.LastIndexByte(remaining, ','); lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if !strings.Contains(proxy, "/") || parsedIP == nil {
			continue
		}
		if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsedIP) {
			return true
		}
	}
	return false
}

// StripPort drops the port from a host:port address.
func StripPort(addr string) string { return stripPort(addr) }

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
