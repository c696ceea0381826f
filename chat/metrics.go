package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mqy/leaguechat/store"
)

var (
	opsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leaguechat_ops_total",
		Help: "Chat operations by scope kind, op and result.",
	}, []string{"scope_kind", "op", "result"})

	publishErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leaguechat_publish_errors_total",
		Help: "Committed writes whose feed event failed to publish.",
	})
)

func observe(f *Facade, op string, err error) {
	result := "ok"
	if err != nil {
		result = store.KindOf(err).String()
	}
	opsCounter.WithLabelValues(string(f.cfg.Kind), op, result).Inc()
}
