package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// grpcTraceKey - заголовок трассировки в метаданных gRPC (всегда нижний регистр)
const grpcTraceKey = "x-trace-id"

// UnaryTraceInterceptor переносит Trace-ID из метаданных вызова в контекст,
// как TracingMiddleware делает это для HTTP.
func UnaryTraceInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc")

	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		// 1. Достаем ID из метаданных, если клиент его прислал
		traceID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(grpcTraceKey); len(ids) > 0 {
				traceID = ids[0]
			}
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}

		// 2. Возвращаем ID клиенту в заголовках ответа
		_ = grpc.SetHeader(ctx, metadata.Pairs(grpcTraceKey, traceID))

		resp, err := handler(WithTraceID(ctx, traceID), req)
		if err != nil {
			logger.Warn("grpc call failed",
				zap.String("method", info.FullMethod),
				zap.String("trace_id", traceID),
				zap.String("code", status.Code(err).String()),
			)
		}
		return resp, err
	}
}
