package middleware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"apphost/metrics"
	"apphost/packet"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *packet.CallRequest) *packet.CallResponse {
	return &packet.CallResponse{CallID: req.CallID, RetVal: json.RawMessage(`"ok"`)}
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *packet.CallRequest) *packet.CallResponse {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func failingHandler(ctx context.Context, req *packet.CallRequest) *packet.CallResponse {
	return Fail(req, packet.CodeInternal, "boom")
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), &packet.CallRequest{CallID: 4, Method: "echo"})
	require.NotNil(t, resp)
	assert.Equal(t, uint64(4), resp.CallID)
	assert.Equal(t, 1, logs.FilterMessage("rpc call").Len())

	LoggingMiddleware(zap.New(core))(failingHandler)(context.Background(), &packet.CallRequest{CallID: 5, Method: "echo"})
	failed := logs.FilterMessage("rpc call failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, packet.CodeInternal, failed[0].ContextMap()["code"])
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), &packet.CallRequest{CallID: 1, Method: "echo"})
	assert.Nil(t, resp.Err)
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), &packet.CallRequest{CallID: 9, Method: "echo"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, packet.CodeTimeout, resp.Err.Code)
	assert.Equal(t, uint64(9), resp.CallID)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &packet.CallRequest{CallID: 3, Method: "echo"}

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		assert.Nil(t, resp.Err, "request %d should pass", i)
	}

	resp := handler(context.Background(), req)
	require.NotNil(t, resp.Err)
	assert.Equal(t, packet.CodeRateLimited, resp.Err.Code)
	assert.Equal(t, uint64(3), resp.CallID)
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(func(ctx context.Context, req *packet.CallRequest) *packet.CallResponse {
		panic("handler exploded")
	})

	resp := handler(context.Background(), &packet.CallRequest{CallID: 11, Method: "crash"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, packet.CodeInternal, resp.Err.Code)
	assert.Contains(t, resp.Err.Message, "handler exploded")
	assert.Equal(t, uint64(11), resp.CallID)
	assert.Equal(t, 1, logs.Len())
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	MetricsMiddleware(m)(echoHandler)(context.Background(), &packet.CallRequest{Method: "echo"})
	MetricsMiddleware(m)(failingHandler)(context.Background(), &packet.CallRequest{Method: "echo"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCCalls.WithLabelValues("echo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCCalls.WithLabelValues("echo", "error")))
}

func TestChain(t *testing.T) {
	// 用 Chain 组合 Logging + Timeout，验证请求能正常穿过
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *packet.CallRequest) *packet.CallResponse {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	chained := Chain(tag("outer"), LoggingMiddleware(zap.NewNop()), TimeOutMiddleware(500*time.Millisecond), tag("inner"))

	resp := chained(echoHandler)(context.Background(), &packet.CallRequest{CallID: 2, Method: "echo"})
	require.NotNil(t, resp)
	assert.Nil(t, resp.Err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}
