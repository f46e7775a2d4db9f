package health

import (
	"context"
	"sync"
	"time"
)

// severity 状态严重级，折叠整体状态时取最严重者
var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// Aggregator 并发执行全部检查器并折叠出整体状态。
// 本服务的约定：桌子离线只算降级（随时可重连），事件库或Redis失联才算不健康。
type Aggregator struct {
	mu       sync.RWMutex
	checkers []Checker
}

// NewAggregator 创建聚合器
func NewAggregator(checkers ...Checker) *Aggregator {
	return &Aggregator{checkers: checkers}
}

// AddChecker 注册检查器（启动装配期调用）
func (a *Aggregator) AddChecker(c Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkers = append(a.checkers, c)
}

// CheckAll 并发执行全部检查
func (a *Aggregator) CheckAll(ctx context.Context) map[string]CheckResult {
	a.mu.RLock()
	checkers := make([]Checker, len(a.checkers))
	copy(checkers, a.checkers)
	a.mu.RUnlock()

	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
		results   = make(map[string]CheckResult, len(checkers))
	)
	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			res := c.Check(ctx)
			resultsMu.Lock()
			results[c.Name()] = res
			resultsMu.Unlock()
		}(checker)
	}
	wg.Wait()
	return results
}

// Report 执行一轮检查并生成完整报告（/health 的返回体）
func (a *Aggregator) Report(ctx context.Context) HealthReport {
	checks := a.CheckAll(ctx)
	overall := StatusHealthy
	for _, res := range checks {
		if severity[res.Status] > severity[overall] {
			overall = res.Status
		}
	}
	return HealthReport{Status: overall, Timestamp: time.Now(), Checks: checks}
}

// OverallStatus 折叠整体状态
func (a *Aggregator) OverallStatus(ctx context.Context) Status {
	return a.Report(ctx).Status
}

// Ready 就绪判定：降级仍就绪，不健康才摘流量
func (a *Aggregator) Ready(ctx context.Context) bool {
	return a.OverallStatus(ctx) != StatusUnhealthy
}

// Alive 存活判定：进程能响应即存活
func (a *Aggregator) Alive() bool {
	return true
}

// HealthReport 一轮检查的完整结果
type HealthReport struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}
