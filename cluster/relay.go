package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/leaguechat/feed"
	"github.com/mqy/leaguechat/scope"
)

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// relay consumes feed events from kafka and dispatches them to local subscribers.
// Every node runs one relay in its own consumer group, so every node sees every event.
type relay struct {
	reader        IKafkaReader
	dispatcher    IDispatcher
	valueMaxBytes int
	// events older than maxAge are dropped, zero keeps all.
	maxAge time.Duration
	wg     sync.WaitGroup
}

func newRelay(reader IKafkaReader, dispatcher IDispatcher, valueMaxBytes int, maxAge time.Duration) *relay {
	return &relay{
		reader:        reader,
		dispatcher:    dispatcher,
		valueMaxBytes: valueMaxBytes,
		maxAge:        maxAge,
	}
}

// run blocks until ctx is done, then closes the reader.
func (r *relay) run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	r.wg.Add(1)
	go r.consumeLoop(ctx)

	glog.Info("relay: ready")
	<-ctx.Done()

	glog.Info("relay: stopping")
	_ = r.reader.Close() // slow: take about 7s

	r.wg.Wait()
	glog.Info("relay: stopped")
	stopDoneNotifyC <- struct{}{}
}

func (r *relay) consumeLoop(ctx context.Context) {
	glog.Info("relay: consume loop enter")
	defer func() {
		glog.Info("relay: consume loop exited")
		r.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("relay: fetching message ...")
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if err == context.Canceled || ctx.Err() != nil {
				glog.V(5).Info("relay: fetch was cancelled")
				return
			}
			glog.Errorf("relay: fetch from kafka err: %v", err)
			if !sleepBackoff(ctx, &sleep) {
				return
			}
			continue
		}
		sleep = 0

		// skip: bad format or too old.
		if e := r.decodeKafkaMsg(&msg); e != nil {
			n := r.dispatcher.Dispatch(e)
			glog.V(5).Infof("relay: dispatched %s of `%s` to %d subscribers", e.Type, e.Scope, n)
		}

		for {
			err := r.reader.CommitMessages(ctx, msg)
			if err == nil {
				sleep = 0
				break
			}
			// Not committed, the message is fetched again after a rebalance. Subscribers
			// drop it by version.
			if err == context.Canceled || ctx.Err() != nil {
				glog.V(5).Info("relay: commit was cancelled")
				return
			}
			glog.Errorf("relay: commit to kafka err: %v", err)
			if !sleepBackoff(ctx, &sleep) {
				return
			}
		}
	}
}

// sleepBackoff waits for the next backoff interval, false if ctx is done first.
func sleepBackoff(ctx context.Context, sleep *time.Duration) bool {
	backoff(sleep)
	select {
	case <-time.After(*sleep):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}

func (r *relay) decodeKafkaMsg(msg *kafka.Message) *feed.Event {
	if r.valueMaxBytes > 0 && len(msg.Value) > r.valueMaxBytes {
		glog.Errorf("relay: kafka value out of limit, offset: %d, size: %d", msg.Offset, len(msg.Value))
		return nil
	}
	var e feed.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		glog.Errorf("relay: failed to unmarshal kafka msg value: `%s`, error: %v", msg.Value, err)
		return nil
	}
	if e.Message == nil || (e.Type != feed.Added && e.Type != feed.Updated) {
		glog.Errorf("relay: ignore malformed event at offset %d", msg.Offset)
		return nil
	}
	if _, _, err := scope.Parse(e.Scope); err != nil {
		glog.Errorf("relay: ignore event of bad scope at offset %d: %v", msg.Offset, err)
		return nil
	}
	if r.maxAge > 0 && time.Since(msg.Time) > r.maxAge {
		glog.Errorf("relay: ignore incoming message because too old, offset: %d, time: %s", msg.Offset, msg.Time)
		return nil
	}
	return &e
}
