package workflow

import (
	"context"
	"database/sql"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// LockErrorClass 锁存储错误分类, 决定是否重试以及是否降级
type LockErrorClass int

const (
	LockErrorNonRetryable LockErrorClass = iota
	LockErrorRetryable
	// LockErrorUnreachable 存储不可达, 也可以重试, 重试耗尽后直接走降级锁
	LockErrorUnreachable
)

func (c LockErrorClass) String() string {
	switch c {
	case LockErrorRetryable:
		return "retryable"
	case LockErrorUnreachable:
		return "unreachable"
	}
	return "non_retryable"
}

var (
	unreachableErrorMarks = []string{
		"connection refused",
		"network is unreachable",
		"host is unreachable",
		"no route to host",
		"no such host",
		"database is closed",
		"redis: client is closed",
	}
	retryableErrorMarks = []string{
		"connection reset",
		"broken pipe",
		"timeout",
		"timed out",
		"lock wait timeout",
		"deadlock found",
		"database is locked",
		"too many connections",
		"i/o timeout",
	}
)

func ClassifyLockError(err error) LockErrorClass {
	if err == nil {
		return LockErrorNonRetryable
	}
	if errors.Is(err, ErrLockParamInvalid) || errors.Is(err, context.Canceled) {
		return LockErrorNonRetryable
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, sql.ErrConnDone) {
		return LockErrorUnreachable
	}
	msg := strings.ToLower(err.Error())
	for _, mark := range unreachableErrorMarks {
		if strings.Contains(msg, mark) {
			return LockErrorUnreachable
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return LockErrorRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return LockErrorRetryable
	}
	for _, mark := range retryableErrorMarks {
		if strings.Contains(msg, mark) {
			return LockErrorRetryable
		}
	}
	return LockErrorNonRetryable
}

func IsRetryableLockError(err error) bool {
	return ClassifyLockError(err) != LockErrorNonRetryable
}
