package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/zelo-labs/relaygate/internal/pkg/antigravity"
)

const (
	stickySeedUserTextMax   = 1024
	stickySeedSystemTextMax = 512
)

// BuildAnthropicStickyKey 为 Anthropic 请求构造会话粘性 key。
// 指纹来源：metadata.user_id、显式会话 id、最早一条 user 文本（截断、换行归一）、
// system 文本（截断）、排序后的工具名列表。
// threadID 区分首条内容完全相同的不同会话，空串表示客户端未携带。
func BuildAnthropicStickyKey(req *antigravity.ClaudeRequest, threadID string) string {
	var parts []string

	if req.Metadata != nil && req.Metadata.UserID != "" {
		parts = append(parts, "uid:"+req.Metadata.UserID)
	}

	if threadID != "" {
		parts = append(parts, "thread:"+threadID)
	}

	if text := earliestUserText(req.Messages); text != "" {
		text = strings.ReplaceAll(text, "\r\n", "\n")
		if len(text) > stickySeedUserTextMax {
			text = text[:stickySeedUserTextMax]
		}
		parts = append(parts, "user:"+text)
	}

	if sys := systemText(req.System); sys != "" {
		if len(sys) > stickySeedSystemTextMax {
			sys = sys[:stickySeedSystemTextMax]
		}
		parts = append(parts, "system:"+sys)
	}

	if len(req.Tools) > 0 {
		names := make([]string, 0, len(req.Tools))
		for _, t := range req.Tools {
			if t.Name != "" {
				names = append(names, t.Name)
			}
		}
		sort.Strings(names)
		parts = append(parts, "tools:"+strings.Join(names, ","))
	}

	seed := strings.Join(parts, "\x00")
	sum := sha256.Sum256([]byte(seed))
	return "anthropic_" + hex.EncodeToString(sum[:])
}

func earliestUserText(messages []antigravity.ClaudeMessage) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		var text string
		if err := json.Unmarshal(msg.Content, &text); err == nil {
			if text != "" {
				return text
			}
			continue
		}
		var blocks []antigravity.ContentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err == nil {
			for _, b := range blocks {
				if b.Type == "text" && b.Text != "" {
					return b.Text
				}
			}
		}
	}
	return ""
}

func systemText(system json.RawMessage) string {
	if len(system) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(system, &s); err == nil {
		return s
	}
	var blocks []antigravity.ContentBlock
	if err := json.Unmarshal(system, &blocks); err == nil {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

// ShortDigest 日志用短摘要，避免整条 key 刷屏
func ShortDigest(s string) string {
	if s == "" {
		return "-"
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))[:12]
}
