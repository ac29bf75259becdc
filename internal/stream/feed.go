package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cnc-twin/internal/analytics"
	"cnc-twin/internal/ml"
	"cnc-twin/internal/telemetry"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// FeedMessage is one frame of the live telemetry feed.
type FeedMessage struct {
	Record     telemetry.Record  `json:"record"`
	Prediction ml.Prediction     `json:"prediction"`
	Alerts     []analytics.Alert `json:"alerts"`
}

const (
	feedReadLimit    = 512 * 1024
	feedWriteTimeout = 10 * time.Second
	minBackoff       = time.Second
	maxBackoff       = 30 * time.Second
)

// FeedClient subscribes to the server's live feed and reconnects with
// exponential backoff.
type FeedClient struct {
	url     string
	ping    time.Duration
	stale   time.Duration
	metrics MetricsInterface
}

// NewFeedClient creates a client for a ws:// URL. ping is the keep-alive
// interval; the connection is dropped when nothing arrives for twice that.
func NewFeedClient(url string, ping time.Duration, metrics MetricsInterface) *FeedClient {
	if ping <= 0 {
		ping = 15 * time.Second
	}
	return &FeedClient{url: url, ping: ping, stale: 2 * ping, metrics: metrics}
}

// Stream delivers messages to out until ctx is cancelled. Messages are
// dropped when out is full.
func (c *FeedClient) Stream(ctx context.Context, out chan<- FeedMessage) error {
	backoff := minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := c.streamOnce(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = minBackoff
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("Feed connection lost, reconnecting")
		if c.metrics != nil {
			c.metrics.WSReconnectsInc()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *FeedClient) streamOnce(ctx context.Context, out chan<- FeedMessage) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	log.Info().Str("url", c.url).Msg("Connected to telemetry feed")

	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		conn.Close()
		wg.Wait()
	}()

	conn.SetReadLimit(feedReadLimit)
	conn.SetReadDeadline(time.Now().Add(c.stale))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.stale))
	})

	// The read loop is the only reader; this goroutine is the only writer.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.ping)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(feedWriteTimeout))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
					log.Debug().Err(err).Msg("Feed ping failed")
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, err
			}
			return true, fmt.Errorf("read message failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.stale))

		var msg FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("Failed to parse feed message")
			if c.metrics != nil {
				c.metrics.ErrorsInc()
			}
			continue
		}

		select {
		case out <- msg:
		default:
			log.Warn().Str("machine_id", msg.Record.MachineID).Msg("feed channel full, dropping message")
		}
	}
}
