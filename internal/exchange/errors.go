package exchange

import (
	"errors"
	"fmt"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrRateLimited 表示触发了交易所限频。
	ErrRateLimited = errors.New("exchange rate limited")
	// ErrAuth 表示鉴权失败，不可重试。
	ErrAuth = errors.New("exchange auth failed")
	// ErrNotFound 表示目标订单不存在。
	ErrNotFound = errors.New("exchange order not found")
	// ErrAlreadyFilled 表示撤单时订单已经成交。
	ErrAlreadyFilled = errors.New("exchange order already filled")
)

// RejectedError 表示交易所明确拒绝了请求，属于不可重试错误。
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange rejected: %s", e.Reason)
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyFilled) {
		return false
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}

// IsPermanent 判断错误是否为明确的不可重试失败。
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return true
	}
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
