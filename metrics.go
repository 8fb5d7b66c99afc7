package folio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// appMetrics are the domain counters exported next to the HTTP metrics.
type appMetrics struct {
	views         prometheus.Counter
	likes         prometheus.Counter
	comments      *prometheus.CounterVec
	ratings       *prometheus.CounterVec
	subscriptions *prometheus.CounterVec
	uploads       prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *appMetrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &appMetrics{
		views: f.NewCounter(prometheus.CounterOpts{
			Namespace: "folio", Name: "content_views_total",
			Help: "Detail page views of published content, bots excluded.",
		}),
		likes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "folio", Name: "content_likes_total",
			Help: "Accepted likes.",
		}),
		comments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "folio", Name: "comments_total",
			Help: "Submitted comments by initial status.",
		}, []string{"status"}),
		ratings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "folio", Name: "ratings_total",
			Help: "Accepted ratings by suspicion flag.",
		}, []string{"suspicious"}),
		subscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "folio", Name: "newsletter_events_total",
			Help: "Newsletter subscribe, confirm and unsubscribe events.",
		}, []string{"event"}),
		uploads: f.NewCounter(prometheus.CounterOpts{
			Namespace: "folio", Name: "media_uploads_total",
			Help: "Stored media uploads.",
		}),
	}
}
