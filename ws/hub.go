package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/leaguechat/auth"
)

// Hub works as a hub that manages and serves websocket sessions.
type Hub struct {
	api        *Api
	authClient auth.Client
	hstore     *HandlerStore
	online     atomic.Bool
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, api *Api) *Hub {
	return &Hub{
		api:        api,
		authClient: authClient,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
}

// Run accepts sessions until ctx is done, then closes all of them.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	h.online.Store(true)
	glog.Infof("hub: online")

	<-ctx.Done()

	h.online.Store(false)
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
	stopDoneNotifyC <- struct{}{}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.online.Load() {
		http.Error(w, "This node is not serving", http.StatusServiceUnavailable)
		return
	}

	caller, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, identity: %s, err: %s", caller.Identity, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := newHandler(h, conn, strings.ReplaceAll(uuid.New(), "-", ""), caller, getRemoteIP(r))
	h.hstore.add(handler)
	glog.V(5).Infof("hub: new session %s", handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) delHandler(sid string) {
	h.hstore.del(sid)
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
