package service

import (
	"sort"
	"sync"
	"time"

	"github.com/zelo-labs/relaygate/internal/pkg/logger"
)

// TriedSet 单次 dispatch 内已尝试过的账号集合。
// 请求作用域的显式值，随重试循环传递，避免同一 dispatch 重复选中。
type TriedSet struct {
	ids   map[int64]struct{}
	order []int64
}

func NewTriedSet() *TriedSet {
	return &TriedSet{ids: make(map[int64]struct{})}
}

func (t *TriedSet) Add(id int64) {
	if _, ok := t.ids[id]; ok {
		return
	}
	t.ids[id] = struct{}{}
	t.order = append(t.order, id)
}

func (t *TriedSet) Contains(id int64) bool {
	_, ok := t.ids[id]
	return ok
}

// IDs 按尝试顺序返回
func (t *TriedSet) IDs() []int64 { return t.order }

func (t *TriedSet) Len() int { return len(t.order) }

// AccountPool 进程内账号池（C1）。账号列表启动时装载，选择路径只读遍历。
type AccountPool struct {
	mu       sync.RWMutex
	accounts map[int64]*Account
	// byPlatform 平台 → 账号 id 列表，保持装载顺序作为 round-robin 基准
	byPlatform map[string][]int64
	// rrCursor 平台级轮转游标
	rrCursor map[string]int
}

func NewAccountPool(accounts []*Account) *AccountPool {
	p := &AccountPool{
		accounts:   make(map[int64]*Account),
		byPlatform: make(map[string][]int64),
		rrCursor:   make(map[string]int),
	}
	for _, a := range accounts {
		if a == nil {
			continue
		}
		if _, exists := p.accounts[a.ID]; exists {
			logger.LegacyPrintf("AccountPool", "duplicate account id=%d ignored", a.ID)
			continue
		}
		p.accounts[a.ID] = a
		p.byPlatform[a.Platform] = append(p.byPlatform[a.Platform], a.ID)
	}
	return p
}

// Add 运行时注入账号（测试/热加载用）
func (p *AccountPool) Add(a *Account) {
	if a == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.accounts[a.ID]; exists {
		return
	}
	p.accounts[a.ID] = a
	p.byPlatform[a.Platform] = append(p.byPlatform[a.Platform], a.ID)
}

// TryGet 直接按 id 查找；不存在返回 nil
func (p *AccountPool) TryGet(id int64) *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accounts[id]
}

// SelectByProvider 按平台参数顺序选取候选账号：
// 平台内先按最久未用排序，未用过的账号按装载顺序轮转；
// tried 中的账号排除。无候选返回 nil，从不报错。
func (p *AccountPool) SelectByProvider(tried *TriedSet, providers ...string) *Account {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, platform := range providers {
		ids := p.byPlatform[platform]
		if len(ids) == 0 {
			continue
		}

		var candidates []*Account
		for _, id := range ids {
			a := p.accounts[id]
			if a == nil || !a.Selectable(now) {
				continue
			}
			if tried != nil && tried.Contains(id) {
				continue
			}
			candidates = append(candidates, a)
		}
		if len(candidates) == 0 {
			continue
		}

		// LRU 优先；同为未使用（lastUsedAt==0）时落到 round-robin
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].LastUsedAt() < candidates[j].LastUsedAt()
		})

		picked := candidates[0]
		if picked.LastUsedAt() == 0 {
			// 全部未用过：按轮转游标取，避免总是压首个账号
			var fresh []*Account
			for _, c := range candidates {
				if c.LastUsedAt() == 0 {
					fresh = append(fresh, c)
				}
			}
			cursor := p.rrCursor[platform] % len(fresh)
			picked = fresh[cursor]
			p.rrCursor[platform] = cursor + 1
		}

		picked.Touch(now)
		return picked
	}
	return nil
}

// Disable 幂等禁用；id 不存在时为 no-op
func (p *AccountPool) Disable(id int64) {
	if a := p.TryGet(id); a != nil {
		a.Disable()
		logger.LegacyPrintf("AccountPool", "account disabled id=%d name=%s", id, a.Name)
	}
}

// MarkRateLimited 标记限流；id 不存在时为 no-op
func (p *AccountPool) MarkRateLimited(id int64, resetSeconds int) {
	if a := p.TryGet(id); a != nil {
		a.MarkRateLimited(resetSeconds, time.Now())
		logger.LegacyPrintf("AccountPool", "account rate-limited id=%d reset=%ds", id, resetSeconds)
	}
}

// RecordTokenUsage 原子累加账号用量；id 不存在时为 no-op
func (p *AccountPool) RecordTokenUsage(id int64, prompt, completion, cacheRead, cacheCreation int64) {
	if a := p.TryGet(id); a != nil {
		a.RecordTokenUsage(prompt, completion, cacheRead, cacheCreation)
	}
}

// Size 池内账号总数
func (p *AccountPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}
