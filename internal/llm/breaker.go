package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String 返回状态字符串
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen 熔断期间不再调用上游
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerClient 连续失败达到阈值后熔断，冷却结束后放行一次试探调用
type BreakerClient struct {
	next             MeteredClient
	clock            quartz.Clock
	failureThreshold int
	cooldown         time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewBreakerClient 包装计量接口；failureThreshold<=0 时不熔断
func NewBreakerClient(next MeteredClient, failureThreshold int, cooldown time.Duration, clock quartz.Clock) *BreakerClient {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &BreakerClient{
		next:             next,
		clock:            clock,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

func (b *BreakerClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if !b.allow() {
		return nil, &Error{Kind: KindServerError, StatusCode: http.StatusServiceUnavailable, Err: ErrCircuitOpen}
	}

	resp, err := b.next.Complete(ctx, req)
	// 调用方取消不算上游失败
	if err != nil && ctx.Err() != nil {
		b.release()
		return resp, err
	}
	b.record(err == nil)
	return resp, err
}

func (b *BreakerClient) Ready() bool {
	return b.next.Ready()
}

// State 当前状态
func (b *BreakerClient) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BreakerClient) allow() bool {
	if b.failureThreshold <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probeActive = true
		return true
	case StateHalfOpen:
		// 半开时只允许一个试探请求
		if b.probeActive {
			return false
		}
		b.probeActive = true
		return true
	default:
		return true
	}
}

func (b *BreakerClient) release() {
	b.mu.Lock()
	b.probeActive = false
	b.mu.Unlock()
}

func (b *BreakerClient) record(success bool) {
	if b.failureThreshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeActive = false

	if success {
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.failureThreshold {
		b.state = StateOpen
		b.openedAt = b.clock.Now()
	}
}
