package exchange

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
)

// Policy 描述指数退避的重试策略。
// 第 n 次（从0计）失败后的等待 = BaseDelay * 2^n + uniform(0, JitterMax)。
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	JitterMax   time.Duration
}

// PolicyFromConfig 从配置构造策略，空值回落到默认。
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	p := Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		JitterMax:   cfg.JitterMax,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.JitterMax < 0 {
		p.JitterMax = 0
	}
	return p
}

// Delay 返回第 attempt 次失败后的退避时长。
func (p Policy) Delay(attempt int) time.Duration {
	wait := p.BaseDelay << uint(attempt)
	if p.JitterMax > 0 {
		wait += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return wait
}

// transport 为各适配器共享的 HTTP 执行层：每次尝试都通过 attempt
// 回调重建并重新签名请求（时间戳、nonce、JWT 都必须新鲜）。
type transport struct {
	http   *resty.Client
	policy Policy
	logger *zap.Logger
}

func newTransport(baseURL string, timeout time.Duration, policy Policy, logger *zap.Logger) *transport {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "cryptobot-trader/1.0")

	return &transport{
		http:   client,
		policy: policy,
		logger: logger,
	}
}

// do 执行带重试的请求并返回响应体。
// 可重试：网络错误、5xx、429（优先使用服务端 Retry-After 提示）；
// 其余 4xx 立即返回 *APIError。
func (t *transport) do(ctx context.Context, operation string, attempt func(ctx context.Context) (*resty.Response, error)) ([]byte, error) {
	var lastErr error

	for n := 0; n < t.policy.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := attempt(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = err
			if waitErr := t.wait(ctx, operation, n, t.policy.Delay(n), err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status >= 200 && status < 300:
			if n > 0 {
				t.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", n+1),
				)
			}
			return resp.Body(), nil

		case status == http.StatusTooManyRequests:
			lastErr = &APIError{Status: status, Body: string(resp.Body())}
			wait := t.policy.Delay(n)
			if hint := resp.Header().Get("Retry-After"); hint != "" {
				if secs, parseErr := strconv.ParseFloat(hint, 64); parseErr == nil && secs >= 0 {
					wait = time.Duration(secs * float64(time.Second))
				}
			}
			if waitErr := t.wait(ctx, operation, n, wait, lastErr); waitErr != nil {
				return nil, waitErr
			}

		case status >= 500:
			lastErr = &APIError{Status: status, Body: string(resp.Body())}
			if waitErr := t.wait(ctx, operation, n, t.policy.Delay(n), lastErr); waitErr != nil {
				return nil, waitErr
			}

		default:
			apiErr := &APIError{Status: status, Body: string(resp.Body())}
			t.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("status", status),
				zap.Error(apiErr),
			)
			return nil, apiErr
		}
	}

	t.logger.Error("交易所调用超过最大重试次数",
		zap.String("operation", operation),
		zap.Int("attempts", t.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, errors.Join(ErrNetwork, lastErr)
}

func (t *transport) wait(ctx context.Context, operation string, attempt int, wait time.Duration, cause error) error {
	t.logger.Warn("交易所调用失败，等待重试",
		zap.String("operation", operation),
		zap.Int("attempt", attempt+1),
		zap.Duration("wait", wait),
		zap.Error(cause),
	)

	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
