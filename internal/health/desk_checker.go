package health

import (
	"context"
	"time"

	"github.com/uplift-tools/deskd/internal/app"
	"github.com/uplift-tools/deskd/internal/session"
)

// StatusProvider 引擎状态读取端
type StatusProvider interface {
	Status() app.Status
}

// DeskChecker 桌子链路健康检查器
type DeskChecker struct {
	provider StatusProvider
}

// NewDeskChecker 创建桌子链路检查器
func NewDeskChecker(provider StatusProvider) *DeskChecker {
	return &DeskChecker{provider: provider}
}

// Name 返回检查器名称
func (c *DeskChecker) Name() string {
	return "desk"
}

// Check 执行健康检查
// 未连接不算整体不健康：服务仍可响应查询并随时重连。
func (c *DeskChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	st := c.provider.Status()
	details := map[string]interface{}{
		"state": st.State,
	}
	if !st.LastActivity.IsZero() {
		details["last_activity"] = st.LastActivity
	}
	if st.HeightKnown {
		details["height_mm"] = st.HeightMM
	}

	var res CheckResult
	switch st.State {
	case session.StateReady.String(), session.StateSending.String():
		res = healthy(start, "ok")
	case session.StateConnecting.String(), session.StateWaking.String():
		res = degraded(start, "link establishing")
	default:
		res = degraded(start, "desk not connected")
	}
	res.Details = details
	return res
}
