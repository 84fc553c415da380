package middleware

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"apphost/packet"

	"go.uber.org/zap"
)

// trace 返回调用栈信息，跳过 runtime.Callers、trace 本身和 defer 闭包
func trace(message string) string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])

	var str strings.Builder
	str.WriteString(message + "\nTraceback:")
	for _, pc := range pcs[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line := fn.FileLine(pc)
		str.WriteString(fmt.Sprintf("\n\t%s:%d", file, line))
	}
	return str.String()
}

// RecoveryMiddleware turns a panicking handler into an EINTERNAL response so one bad
// method cannot take the whole service process down.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *packet.CallRequest) (resp *packet.CallResponse) {
			defer func() {
				if r := recover(); r != nil {
					message := fmt.Sprintf("%v", r)
					logger.Error("panic recovered", zap.String("method", req.Method), zap.String("trace", trace(message)))
					resp = Fail(req, packet.CodeInternal, "panic: "+message)
				}
			}()
			return next(ctx, req)
		}
	}
}
