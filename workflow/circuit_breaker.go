package workflow

import "time"

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type BreakerSettings struct {
	// Threshold 连续失败多少次后打开
	Threshold int
	// Timeout 打开多久之后允许一次探测
	Timeout time.Duration
}

// CircuitBreaker 熔断器状态, 值类型, 所有转换都是纯函数, 时间由调用方传入
//
//	Closed --连续失败Threshold次--> Open{since}
//	Open --Timeout之后的第一次调用--> HalfOpen
//	HalfOpen --成功--> Closed
//	HalfOpen --失败--> Open{since=now}
type CircuitBreaker struct {
	State               BreakerState
	ConsecutiveFailures int
	OpenedAt            time.Time
	// TrialInFlight 半开状态下只放行一个试探请求
	TrialInFlight bool
}

// Route 返回下一个状态以及本次调用是否走真实后端
func (b CircuitBreaker) Route(now time.Time, s BreakerSettings) (CircuitBreaker, bool) {
	switch b.State {
	case BreakerOpen:
		if now.Sub(b.OpenedAt) < s.Timeout {
			return b, false
		}
		b.State = BreakerHalfOpen
		b.TrialInFlight = true
		return b, true
	case BreakerHalfOpen:
		if b.TrialInFlight {
			return b, false
		}
		b.TrialInFlight = true
		return b, true
	}
	return b, true
}

func (b CircuitBreaker) Success() CircuitBreaker {
	return CircuitBreaker{State: BreakerClosed}
}

func (b CircuitBreaker) Failure(now time.Time, s BreakerSettings) CircuitBreaker {
	b.ConsecutiveFailures++
	switch b.State {
	case BreakerHalfOpen:
		b.State = BreakerOpen
		b.OpenedAt = now
		b.TrialInFlight = false
	case BreakerClosed:
		if s.Threshold > 0 && b.ConsecutiveFailures >= s.Threshold {
			b.State = BreakerOpen
			b.OpenedAt = now
		}
	}
	return b
}
