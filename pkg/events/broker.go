package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/borud/broker"
)

// Topic carries every replay lifecycle event.
const Topic = "/replay"

const publishTimeout = 1 * time.Second

// NewBroker returns a broker sized for lifecycle traffic.
func NewBroker() *broker.Broker {
	return broker.New(broker.Config{
		DownStreamChanLen:  64,
		PublishChanLen:     64,
		SubscribeChanLen:   10,
		UnsubscribeChanLen: 10,
		DeliveryTimeout:    100 * time.Millisecond,
	})
}

// Publish sends evt on Topic. A nil broker is ignored; delivery failures are
// not reported to the caller since no component depends on them.
func Publish(b *broker.Broker, evt any) {
	if b == nil {
		return
	}
	_ = b.Publish(Topic, evt, publishTimeout)
}

// Log subscribes to Topic and writes every event to logger.
type Log struct {
	broker *broker.Broker
	logger *slog.Logger
}

func NewLog(b *broker.Broker, logger *slog.Logger) *Log {
	return &Log{
		broker: b,
		logger: logger,
	}
}

// Start begins logging events in the background.
func (l *Log) Start() error {
	subscriber, err := l.broker.Subscribe(Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range subscriber.Messages() {
			l.log(msg.Payload)
		}
	}()
	return nil
}

func (l *Log) log(payload any) {
	switch evt := payload.(type) {
	case EventTraceInstalled:
		l.logger.Info("Trace installed",
			"epoch", evt.Epoch,
			"source", evt.Source,
			"entries", evt.Entries,
			"skipped", evt.Skipped,
			"clusters", evt.Clusters,
			"listeners", evt.Listeners)
	case EventInstallFailed:
		l.logger.Error("Trace install failed", "source", evt.Source, "error", evt.Error)
	case EventListening:
		l.logger.Debug("Listener ready", "cluster", evt.Cluster, "identity", evt.Identity, "addr", evt.Addr)
	case EventListenerFailed:
		l.logger.Warn("Listener skipped", "cluster", evt.Cluster, "identity", evt.Identity, "error", evt.Error)
	case EventReset:
		l.logger.Info("Environment reset", "epoch", evt.Epoch, "closed", evt.Closed, "close_errors", evt.Failed)
	case EventTornDown:
		l.logger.Debug("Environment torn down", "epoch", evt.Epoch)
	case EventTraceChanged:
		l.logger.Info("Trace file changed", "path", evt.Path)
	default:
		l.logger.Debug("Unknown event", "type", fmt.Sprintf("%T", payload))
	}
}
