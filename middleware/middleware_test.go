package middleware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"wrpc/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.NewSuccess(req.ID, json.RawMessage(`"ok"`))
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.Message) *message.Message {
	time.Sleep(200 * time.Millisecond)
	return message.NewSuccess(req.ID, json.RawMessage(`"ok"`))
}

func failingHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.NewError(req.ID, "boom")
}

func newRequest() *message.Message {
	return message.NewRequest("req-1", "math.add", json.RawMessage(`{"a":1,"b":2}`))
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	resp := LoggingMiddleware(logger)(echoHandler)(context.Background(), newRequest())
	if resp.Kind != message.KindSuccess || string(resp.Result) != `"ok"` {
		t.Fatalf("expect ok success, got %+v", resp)
	}

	LoggingMiddleware(logger)(failingHandler)(context.Background(), newRequest())

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expect 2 log entries, got %d", len(entries))
	}
	if entries[0].Message != "rpc served" || entries[0].ContextMap()["path"] != "math.add" {
		t.Fatalf("unexpected success entry: %+v", entries[0])
	}
	if entries[1].Message != "rpc failed" || entries[1].ContextMap()["error"] != "boom" {
		t.Fatalf("unexpected failure entry: %+v", entries[1])
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newRequest())
	if resp.Kind != message.KindSuccess {
		t.Fatalf("expect success, got '%s'", resp.ErrorMessage())
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), newRequest())
	if resp.ErrorMessage() != "request timed out" {
		t.Fatalf("expect timeout error, got '%s'", resp.ErrorMessage())
	}
	if resp.ID != "req-1" {
		t.Fatalf("timeout response must carry the request id, got %q", resp.ID)
	}
}

func TestTimeoutRecoversPanic(t *testing.T) {
	panicking := func(ctx context.Context, req *message.Message) *message.Message {
		panic("validator bug")
	}
	handler := TimeOutMiddleware(time.Second)(panicking)

	resp := handler(context.Background(), newRequest())
	if resp.ErrorMessage() != "Unknown error" {
		t.Fatalf("expect Unknown error, got '%s'", resp.ErrorMessage())
	}
	if resp.ID != "req-1" {
		t.Fatalf("panic response must carry the request id, got %q", resp.ID)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newRequest())
		if resp.Kind != message.KindSuccess {
			t.Fatalf("request %d should pass, got error: %s", i, resp.ErrorMessage())
		}
	}

	resp := handler(context.Background(), newRequest())
	if resp.ErrorMessage() != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.ErrorMessage())
	}
	if resp.ID != "req-1" {
		t.Fatalf("rejection must carry the request id, got %q", resp.ID)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) *message.Message {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), newRequest())
	if resp.Kind != message.KindSuccess {
		t.Fatalf("expect success, got '%s'", resp.ErrorMessage())
	}

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("expect %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, order)
		}
	}
}
