package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// feedMessage is the wire shape of one change event on the remote feed.
type feedMessage struct {
	Table string    `json:"table"`
	Event string    `json:"event"`
	Row   store.Row `json:"row"`
}

// FeedBridge maintains a websocket connection to the remote change feed and
// republishes every event into the hub. Connection loss is repaired with
// capped exponential backoff; the checkpointed pull covers any window the
// bridge was down.
type FeedBridge struct {
	url     string
	hub     *Hub
	tracker *store.ConnectivityTracker
	dialer  *websocket.Dialer
	log     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeedBridge constructs a bridge for the given feed URL.
func NewFeedBridge(url string, hub *Hub, tracker *store.ConnectivityTracker) *FeedBridge {
	return &FeedBridge{
		url:     url,
		hub:     hub,
		tracker: tracker,
		dialer:  websocket.DefaultDialer,
		log:     logger.WithModule("realtime.bridge"),
	}
}

// Start launches the connection loop. It returns immediately.
func (b *FeedBridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.run(runCtx)
}

// Stop tears the connection down and waits for the loop to exit.
func (b *FeedBridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *FeedBridge) run(ctx context.Context) {
	defer close(b.done)

	delay := minReconnectDelay
	for {
		if err := b.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.tracker.MarkOffline()
			b.log.Warn("feed connection lost", zap.Error(err), zap.Duration("retry_in", delay))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (b *FeedBridge) connectAndRead(ctx context.Context) error {
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	b.tracker.MarkOnline()
	b.log.Info("feed connected", zap.String("url", b.url))

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go b.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg feedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.log.Warn("malformed feed message", zap.Error(err))
			continue
		}

		b.hub.Publish(store.ChangeEvent{
			Type:  store.ChangeType(msg.Event),
			Table: msg.Table,
			Row:   msg.Row,
		})
	}
}

func (b *FeedBridge) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
