package resilience

import (
	"context"
	"errors"
	"time"

	applog "hybridrag/internal/platform/log"

	"github.com/sony/gobreaker"
)

// ErrOpen 熔断器打开，调用被拒绝
var ErrOpen = gobreaker.ErrOpenState

// Config 熔断配置
type Config struct {
	FailureRatio float64       `json:"failure_ratio"`
	MinRequests  uint32        `json:"min_requests"`
	OpenTimeout  time.Duration `json:"-"`
	Interval     time.Duration `json:"-"`
	MaxHalfOpen  uint32        `json:"-"`
}

// Breaker 包装 gobreaker
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker 创建熔断器
func NewBreaker(name string, cfg Config) *Breaker {
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxHalfOpen == 0 {
		cfg.MaxHalfOpen = 1
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxHalfOpen,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			applog.Warn("[Resilience] Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: isSuccessful,
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// retryable 由供应商错误实现（如 provider.APIError）
type retryable interface {
	Retryable() bool
}

// isSuccessful 调用方取消和请求本身的 4xx 错误不说明下游不健康
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var r retryable
	if errors.As(err, &r) {
		return !r.Retryable()
	}
	return false
}

// Name 熔断器名称
func (b *Breaker) Name() string { return b.cb.Name() }

// State 当前状态（closed / half-open / open）
func (b *Breaker) State() string { return b.cb.State().String() }

// Call 在熔断保护下执行 fn
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn()
	}
	v, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
