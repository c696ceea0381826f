package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mqy/leaguechat/feed"
)

const (
	kafkaReadTimeout = 10 * time.Second

	// DefaultValueMaxBytes bounds a kafka message: a message of max text plus its reactions.
	DefaultValueMaxBytes = 1 << 20
)

type NodeCfg struct {
	Addr string
	Mux  *http.ServeMux

	// Broker serves the live feeds of this node.
	Broker *feed.Broker

	// Kafka is off when KafkaBrokers is empty: events go straight to Broker.
	KafkaBrokers []string
	KafkaTopic   string
	// KafkaGroupId must be unique per node.
	KafkaGroupId  string
	ValueMaxBytes int
	// Events older than EventMaxAge are not relayed, zero relays all.
	EventMaxAge time.Duration
}

// Node serves http (websocket and metrics) and the gRPC health service on one port,
// and relays feed events between nodes through kafka.
type Node struct {
	conf *NodeCfg

	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server

	publisher feed.Publisher
	writer    IKafkaWriter
	relay     *relay
}

func NewNode(conf *NodeCfg) *Node {
	if conf.ValueMaxBytes <= 0 {
		conf.ValueMaxBytes = DefaultValueMaxBytes
	}

	n := &Node{
		conf:         conf,
		grpcServer:   grpc.NewServer(),
		healthServer: health.NewServer(),
		publisher:    conf.Broker,
	}
	healthpb.RegisterHealthServer(n.grpcServer, n.healthServer)
	n.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if len(conf.KafkaBrokers) > 0 {
		n.writer = kafka.NewWriter(kafka.WriterConfig{
			Brokers:  conf.KafkaBrokers,
			Topic:    conf.KafkaTopic,
			Balancer: &kafka.Hash{},
			Dialer: &kafka.Dialer{
				Timeout:   kafkaWriteTimeout,
				DualStack: true,
			},
		})
		n.publisher = NewKafkaPublisher(n.writer, conf.ValueMaxBytes)

		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     conf.KafkaBrokers,
			GroupID:     conf.KafkaGroupId,
			Topic:       conf.KafkaTopic,
			StartOffset: kafka.LastOffset,
			Dialer: &kafka.Dialer{
				Timeout:   kafkaReadTimeout,
				DualStack: true,
			},
		})
		n.relay = newRelay(reader, conf.Broker, conf.ValueMaxBytes, conf.EventMaxAge)
	}

	n.httpServer = &http.Server{Handler: h2c.NewHandler(n, &http2.Server{})}
	return n
}

// Publisher returns where chat writes should publish their events.
func (n *Node) Publisher() feed.Publisher {
	return n.publisher
}

// Run serves until ctx is done, then stops gracefully and notifies stopNotifyCh.
func (n *Node) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	lis, err := net.Listen("tcp", n.conf.Addr)
	if err != nil {
		err := fmt.Errorf("listen %s error: %v", n.conf.Addr, err)
		glog.Error(err)
		panic(err)
	}
	n.serve(ctx, lis)
	stopNotifyCh <- struct{}{}
}

func (n *Node) serve(ctx context.Context, lis net.Listener) {
	go func() {
		glog.Infof("node: http server is listening %v", lis.Addr())
		if err := n.httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("node: http server closed")
		} else if err != nil {
			err := fmt.Errorf("http Serve error: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	relayStopDoneC := make(chan struct{}, 1)
	if n.relay != nil {
		go n.relay.run(ctx, relayStopDoneC)
	}
	n.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	glog.Infof("node: ready")

	<-ctx.Done()

	glog.Infof("node: stopping")
	n.healthServer.Shutdown()

	if n.relay != nil {
		<-relayStopDoneC
	}
	if n.writer != nil {
		if err := n.writer.Close(); err != nil {
			glog.Errorf("node: close kafka writer error: %v", err)
		}
	}

	// GracefulStop panics on handler based transports: Drain() is not implemented.
	// See: https://github.com/grpc/grpc-go/issues/1384
	n.grpcServer.Stop()
	glog.Infof("node: grpc server stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = n.httpServer.Shutdown(shutdownCtx)
	glog.Infof("node: stopped")
}

func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("content-type"), "application/grpc") {
		n.grpcServer.ServeHTTP(w, r)
	} else {
		n.conf.Mux.ServeHTTP(w, r)
	}
}
