package handler

import (
	"github.com/google/wire"
)

// Handlers 汇总所有入口 handler
type Handlers struct {
	Gateway      *GatewayHandler
	Kiro         *KiroHandler
	GeminiBiz    *GeminiBizHandler
	GeminiV1Beta *GeminiV1BetaHandler
}

func ProvideHandlers(
	gateway *GatewayHandler,
	kiro *KiroHandler,
	geminiBiz *GeminiBizHandler,
	geminiV1Beta *GeminiV1BetaHandler,
) *Handlers {
	return &Handlers{
		Gateway:      gateway,
		Kiro:         kiro,
		GeminiBiz:    geminiBiz,
		GeminiV1Beta: geminiV1Beta,
	}
}

// ProviderSet handler 层依赖注入集合
var ProviderSet = wire.NewSet(
	NewGatewayHandler,
	NewKiroHandler,
	NewGeminiBizHandler,
	NewGeminiV1BetaHandler,
	ProvideHandlers,
)
