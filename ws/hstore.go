package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "leaguechat_ws_sessions",
	Help: "Number of open websocket sessions on this node.",
})

// memory handler store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		sessionsGauge.Dec()
		return true
	}
	return false
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	hs.handlers[handler.sid] = handler
	hs.Unlock()
	sessionsGauge.Inc()
}

func (hs *HandlerStore) len() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

// close closes and removes all handlers.
func (hs *HandlerStore) close() {
	hs.Lock()
	handlers := hs.handlers
	hs.handlers = make(map[string]*Handler)
	hs.Unlock()

	for _, h := range handlers {
		h.close(ServerStop)
		sessionsGauge.Dec()
	}
}
