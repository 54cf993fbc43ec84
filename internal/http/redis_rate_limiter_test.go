package httpx

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisLimiter(t *testing.T) (RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	limiter, err := NewRedisRateLimiter(mr.Addr(), "", 0, testLogger())
	if err != nil {
		t.Fatalf("connect limiter: %v", err)
	}
	t.Cleanup(limiter.Close)
	return limiter, mr
}

func TestRedisRateLimiterEnforcesLimit(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t)

	for i := 1; i <= 2; i++ {
		decision := limiter.Allow("ip:10.1.1.1", 2, time.Minute)
		if !decision.allowed {
			t.Fatalf("request %d denied inside limit", i)
		}
		if decision.count != i {
			t.Fatalf("expected count %d, got %d", i, decision.count)
		}
	}

	decision := limiter.Allow("ip:10.1.1.1", 2, time.Minute)
	if decision.allowed {
		t.Fatal("third request must be denied")
	}
	if decision.windowEnd.Before(time.Now()) {
		t.Fatal("window end must be in the future")
	}
}

func TestRedisRateLimiterWindowExpiry(t *testing.T) {
	limiter, mr := newTestRedisLimiter(t)

	if d := limiter.Allow("ip:10.2.2.2", 1, time.Minute); !d.allowed {
		t.Fatal("first request denied")
	}
	if d := limiter.Allow("ip:10.2.2.2", 1, time.Minute); d.allowed {
		t.Fatal("second request inside window allowed")
	}

	mr.FastForward(2 * time.Minute)
	if d := limiter.Allow("ip:10.2.2.2", 1, time.Minute); !d.allowed {
		t.Fatal("request after window expiry denied")
	}
}

func TestRedisRateLimiterFailsOpenWhenRedisDown(t *testing.T) {
	limiter, mr := newTestRedisLimiter(t)
	mr.Close()

	if d := limiter.Allow("ip:10.3.3.3", 1, time.Minute); !d.allowed {
		t.Fatal("limiter must fail open when redis is unreachable")
	}
}
