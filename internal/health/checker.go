package health

import (
	"context"
	"time"
)

// Status 组件健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"  // 部分能力受损但仍可服务（如桌子暂时离线）
	StatusUnhealthy Status = "unhealthy" // 依赖不可用，需要摘除流量
)

// CheckResult 单个组件的检查结果
type CheckResult struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Latency time.Duration          `json:"latency"`
}

// Checker 组件健康检查器。
// 本服务的组件：桌子蓝牙链路、活动事件库、缓存后端。
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

func healthy(start time.Time, msg string) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: msg, Latency: time.Since(start)}
}

func degraded(start time.Time, msg string) CheckResult {
	return CheckResult{Status: StatusDegraded, Message: msg, Latency: time.Since(start)}
}

func unhealthy(start time.Time, msg string) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: msg, Latency: time.Since(start)}
}
