package kiro

import "strings"

// ModelPricing 单模型价格表（$/Mtok）与上下文窗口
type ModelPricing struct {
	InputPrice  float64
	OutputPrice float64
	CacheCreate float64
	CacheRead   float64
	MaxContext  int
}

// pricingTable 按模型前缀匹配；未命中使用 defaultPricing
var pricingTable = map[string]ModelPricing{
	"claude-sonnet-4-5": {InputPrice: 3.0, OutputPrice: 15.0, CacheCreate: 3.75, CacheRead: 0.30, MaxContext: 200000},
	"claude-sonnet-4":   {InputPrice: 3.0, OutputPrice: 15.0, CacheCreate: 3.75, CacheRead: 0.30, MaxContext: 200000},
	"claude-haiku-4-5":  {InputPrice: 1.0, OutputPrice: 5.0, CacheCreate: 1.25, CacheRead: 0.10, MaxContext: 200000},
	"claude-opus-4":     {InputPrice: 15.0, OutputPrice: 75.0, CacheCreate: 18.75, CacheRead: 1.50, MaxContext: 200000},
	"claude-3-7-sonnet": {InputPrice: 3.0, OutputPrice: 15.0, CacheCreate: 3.75, CacheRead: 0.30, MaxContext: 200000},
	"amazonq":           {InputPrice: 3.0, OutputPrice: 15.0, CacheCreate: 3.75, CacheRead: 0.30, MaxContext: 172500},
}

var defaultPricing = ModelPricing{
	InputPrice:  3.0,
	OutputPrice: 15.0,
	CacheCreate: 3.75,
	CacheRead:   0.30,
	MaxContext:  172500,
}

// PricingFor 按模型名取价格表条目
func PricingFor(model string) ModelPricing {
	model = strings.ToLower(model)
	if p, ok := pricingTable[model]; ok {
		return p
	}
	for prefix, p := range pricingTable {
		if strings.HasPrefix(model, prefix) {
			return p
		}
	}
	return defaultPricing
}

// ReconstructedUsage 由额度消耗反推出的 token 计数
type ReconstructedUsage struct {
	InputTokens     int
	CacheReadTokens int
	// cache 创建 token 无法从额度推出，固定为 0
	CacheCreateTokens int
}

// ReconstructTokens 依据上下文占比 p（百分数）与消耗额度 credits 反推 token。
// 额度低于全价成本时差额按 cache 读折扣价折算为 cacheRead tokens。
func ReconstructTokens(model string, contextUsagePercentage, credits float64) ReconstructedUsage {
	pricing := PricingFor(model)

	totalInput := float64(pricing.MaxContext) * contextUsagePercentage / 100
	if totalInput < 0 {
		totalInput = 0
	}
	expectedCost := totalInput / 1e6 * pricing.InputPrice

	if credits >= expectedCost {
		return ReconstructedUsage{InputTokens: int(totalInput)}
	}

	saved := expectedCost - credits
	denom := pricing.InputPrice - pricing.CacheRead
	var cacheRead float64
	if denom > 0 {
		cacheRead = saved / denom * 1e6
	}
	if cacheRead < 0 {
		cacheRead = 0
	}
	if cacheRead > totalInput {
		cacheRead = totalInput
	}

	// 整数化后保持 input + cacheRead == totalInput
	totalInt := int(totalInput)
	cacheReadInt := int(cacheRead)
	return ReconstructedUsage{
		InputTokens:     totalInt - cacheReadInt,
		CacheReadTokens: cacheReadInt,
	}
}
