package antigravity

import "strings"

// DefaultModel 请求未携带 model 时使用
const DefaultModel = "claude-sonnet-4-5"

// modelAliases Claude 模型名 → Antigravity 上游模型名
// 先做日期后缀归一化，再查表；未命中原样透传
var modelAliases = map[string]string{
	"claude-opus-4-5":   "claude-opus-4-5-thinking",
	"claude-sonnet-4-5": "claude-sonnet-4-5",
	"claude-haiku-4-5":  "gemini-2.5-flash",
	"claude-opus-4":     "gemini-3-pro-high",
	"claude-haiku-4":    "claude-haiku-4.5",
}

// NormalizeModel 去掉日期后缀：claude-{opus,sonnet,haiku}-4-5-YYYYMMDD → base
func NormalizeModel(model string) string {
	for _, base := range []string{"claude-opus-4-5", "claude-sonnet-4-5", "claude-haiku-4-5"} {
		if strings.HasPrefix(model, base+"-") {
			return base
		}
	}
	return model
}

// MapModel 将入口模型名映射为上游模型名
func MapModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return DefaultModel
	}
	model = NormalizeModel(model)

	if mapped, ok := modelAliases[model]; ok {
		return mapped
	}
	// 旧代系按前缀匹配
	if strings.HasPrefix(model, "claude-3-5-sonnet") {
		return "claude-sonnet-4-5"
	}
	if strings.HasPrefix(model, "claude-3-haiku") {
		return "gemini-2.5-flash"
	}
	return model
}
