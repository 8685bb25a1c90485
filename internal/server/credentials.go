package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"localphotos/internal/access"
	"localphotos/internal/auth"
)

// cookie names that may carry a token, in lookup order
var tokenCookies = []string{"token", "auth", "t"}

// headerCaller authenticates r from its Authorization header only. Mutating
// requests use this.
func (app *App) headerCaller(r *http.Request) access.Caller {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return access.Anonymous
	}
	return app.verify(token)
}

// readCaller authenticates a read. The first credential present wins: the
// Authorization header, a token cookie, then the weak query token. The
// returned token is the credential presented, even when it did not verify.
func (app *App) readCaller(r *http.Request) (access.Caller, string, error) {
	if token, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
		return app.verify(token), token, nil
	}
	for _, name := range tokenCookies {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return app.verify(c.Value), c.Value, nil
		}
	}

	token, err := app.weakQueryToken(r)
	if err != nil || token == "" {
		return access.Anonymous, "", err
	}
	return app.verify(token), token, nil
}

// weakQueryToken returns the ?t= token. Query tokens end up in logs and
// referrers, so the path can be disabled and is rate limited per client.
func (app *App) weakQueryToken(r *http.Request) (string, error) {
	if !app.cfg.AllowQueryToken {
		return "", nil
	}
	token := r.URL.Query().Get("t")
	if token == "" {
		return "", nil
	}
	if app.limiter != nil && !app.limiter.allow(clientIP(r)) {
		return "", errRateLimited.New("query token")
	}
	return token, nil
}

func (app *App) verify(token string) access.Caller {
	subject, err := app.tokens.Verify(token)
	if err != nil {
		app.log.Debug("token rejected", zap.Error(err))
		return access.Anonymous
	}
	return access.Authenticated(subject)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter keeps a token bucket per client address. A bucket refills limit
// tokens per minute and holds at most limit.
type ipLimiter struct {
	mu        sync.Mutex
	limited   map[string]*limited
	limit     int
	every     time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// limited is the bucket of one client address
type limited struct {
	limiter *rate.Limiter
	expire  time.Time
}

func newIPLimiter(limit int) *ipLimiter {
	return &ipLimiter{
		limited: map[string]*limited{},
		limit:   limit,
		every:   time.Minute / time.Duration(limit),
		now:     time.Now,
	}
}

func (rl *ipLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	client, found := rl.limited[ip]
	if !found {
		client = &limited{limiter: rate.NewLimiter(rate.Every(rl.every), rl.limit)}
		rl.limited[ip] = client
	}
	// an idle minute refills the bucket, so it can be dropped after that
	client.expire = now.Add(time.Minute)
	return client.limiter.AllowN(now, 1)
}

// sweep drops expired buckets, at most once a minute.
func (rl *ipLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < time.Minute {
		return
	}
	rl.lastSweep = now
	for ip, client := range rl.limited {
		if now.After(client.expire) {
			delete(rl.limited, ip)
		}
	}
}
