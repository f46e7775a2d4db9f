package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	ScanTotal      *prometheus.CounterVec // labels: result=hit|ok|not_found|error
	ConnectTotal   *prometheus.CounterVec // labels: result=ok|error
	FramesTotal    prometheus.Counter     // 可解析上行帧计数
	DispatchTotal  *prometheus.CounterVec // labels: command, result=ok|error
	SessionState   prometheus.Gauge       // 会话状态（State枚举数值）
	ActivityEvents *prometheus.CounterVec // labels: op, status
	HeightGauge    prometheus.Gauge       // 最近一次上报高度（毫米）
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		ScanTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_scan_total",
			Help: "Desk target resolutions by result (cache hit, fresh scan ok, not found, scan error).",
		}, []string{"result"}),
		ConnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_connect_total",
			Help: "BLE connect attempts by result.",
		}, []string{"result"}),
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frames_received_total",
			Help: "Decodable inbound frames.",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_command_total",
			Help: "Dispatched logical commands by result.",
		}, []string{"command", "result"}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_state",
			Help: "Current connection session state.",
		}),
		ActivityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activity_event_total",
			Help: "Activity log operations by status.",
		}, []string{"op", "status"}),
		HeightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "desk_height_millimeters",
			Help: "Last reported desk height.",
		}),
	}
	reg.MustRegister(m.ScanTotal, m.ConnectTotal, m.FramesTotal,
		m.DispatchTotal, m.SessionState, m.ActivityEvents, m.HeightGauge)
	return m
}
