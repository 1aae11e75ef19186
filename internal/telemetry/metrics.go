package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CampaignsEnqueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaigns_enqueued_total", Help: "Campaign jobs admitted to the queue"})
	CampaignsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaigns_completed_total", Help: "Campaigns that reached completed"})
	CampaignsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaigns_failed_total", Help: "Campaigns that reached failed"})
	CampaignsPaused    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaigns_paused_total", Help: "Campaign runs interrupted by a pause flag"})
	SendsTotal         = prometheus.NewCounter(prometheus.CounterOpts{Name: "sends_total", Help: "Individual messages sent successfully"})
	SendFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "send_failures_total", Help: "Individual sends recorded as failed"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Control-plane requests rejected by the tenant limiter"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "campaign_queue_depth", Help: "Ready queue depth"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "campaigns_inflight", Help: "Campaign jobs currently leased"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CampaignsEnqueued,
			CampaignsCompleted,
			CampaignsFailed,
			CampaignsPaused,
			SendsTotal,
			SendFailures,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
