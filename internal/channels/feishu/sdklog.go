package feishu

import (
	"context"
	"fmt"
	"log/slog"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
)

// sdkLogger routes Lark SDK logs into slog.
type sdkLogger struct {
	log *slog.Logger
}

var _ larkcore.Logger = sdkLogger{}

func newSDKLogger() sdkLogger {
	return sdkLogger{log: slog.Default().With("component", "lark-sdk")}
}

func (l sdkLogger) Debug(ctx context.Context, args ...interface{}) {
	l.log.DebugContext(ctx, "feishu sdk: "+fmt.Sprint(args...))
}

func (l sdkLogger) Info(ctx context.Context, args ...interface{}) {
	l.log.InfoContext(ctx, "feishu sdk: "+fmt.Sprint(args...))
}

func (l sdkLogger) Warn(ctx context.Context, args ...interface{}) {
	l.log.WarnContext(ctx, "feishu sdk: "+fmt.Sprint(args...))
}

func (l sdkLogger) Error(ctx context.Context, args ...interface{}) {
	l.log.ErrorContext(ctx, "feishu sdk: "+fmt.Sprint(args...))
}

// sdkLogLevel picks the SDK's own filter from what slog would emit anyway.
func sdkLogLevel() larkcore.LogLevel {
	ctx := context.Background()
	switch {
	case slog.Default().Enabled(ctx, slog.LevelDebug):
		return larkcore.LogLevelDebug
	case slog.Default().Enabled(ctx, slog.LevelInfo):
		return larkcore.LogLevelInfo
	case slog.Default().Enabled(ctx, slog.LevelWarn):
		return larkcore.LogLevelWarn
	default:
		return larkcore.LogLevelError
	}
}
