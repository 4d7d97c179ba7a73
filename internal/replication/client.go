// Package replication consumes the upstream replication fan over a websocket
// and feeds decoded stream rows into the dispatcher.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/meshwire/courier/core/sender"
	"github.com/meshwire/courier/errs"
	"github.com/meshwire/courier/internal/observability"
)

const (
	connectTimeout       = 10 * time.Second
	writeTimeout         = 5 * time.Second
	pingInterval         = 20 * time.Second
	maxReconnectInterval = 20 * time.Second
	readLimit            = 8 * 1024 * 1024
)

// frame is one message on the replication stream: a batch of rows for one
// stream at one token.
type frame struct {
	Stream string            `json:"stream"`
	Token  int64             `json:"token"`
	Rows   []json.RawMessage `json:"rows"`
}

// ackFrame acknowledges a fully processed federation stream position.
type ackFrame struct {
	Op    string `json:"op"`
	Token int64  `json:"token"`
}

// RowProcessor receives decoded replication rows. *sender.Sender satisfies
// it.
type RowProcessor interface {
	ProcessReplicationRows(ctx context.Context, streamName string, token int64, rows []sender.ReplicationRow)
}

// Client maintains the websocket subscription to the upstream replication
// endpoint, reconnecting with exponential backoff. It also implements the
// dispatcher's AckSender by writing FEDERATION_ACK frames upstream.
type Client struct {
	url       string
	processor RowProcessor

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once

	done chan struct{}
}

// NewClient constructs a replication client for the given websocket URL.
func NewClient(ctx context.Context, url string, processor RowProcessor) (*Client, error) {
	if url == "" {
		return nil, errs.New("replication", errs.CodeInvalid, errs.WithMessage("replication url is required"))
	}
	if processor == nil {
		return nil, errs.New("replication", errs.CodeInvalid, errs.WithMessage("row processor is required"))
	}
	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{
		url:       url,
		processor: processor,
		ctx:       clientCtx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start connects and begins consuming. It returns once the first connection
// is established or the connect timeout elapses.
func (c *Client) Start() error {
	go func() {
		defer close(c.done)
		if err := c.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("replication consumer stopped",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-time.After(connectTimeout):
		return errs.New("replication", errs.CodeUnavailable,
			errs.WithMessage("timeout waiting for replication connection"))
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// Stop tears the connection down and stops reconnecting.
func (c *Client) Stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
	<-c.done
}

// SendFederationAck writes a FEDERATION_ACK frame upstream so the producer
// can drop its queues up to pos.
func (c *Client) SendFederationAck(ctx context.Context, pos int64) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errs.New("replication", errs.CodeUnavailable,
			errs.WithMessage("replication connection down"))
	}

	data, err := json.Marshal(ackFrame{Op: "FEDERATION_ACK", Token: pos})
	if err != nil {
		return errs.New("replication", errs.CodeInvalid, errs.WithCause(err))
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("replication", errs.CodeNetwork,
			errs.WithMessage("write federation ack"), errs.WithCause(err))
	}
	return nil
}

func (c *Client) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.url, nil)
		if err != nil {
			observability.Log().Warn("replication dial failed",
				observability.Field{Key: "url", Value: c.url},
				observability.Field{Key: "error", Value: err.Error()})
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			select {
			case <-c.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		conn.SetReadLimit(readLimit)
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })
		backoffCfg.Reset()

		connCtx, connCancel := context.WithCancel(c.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- c.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- c.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			observability.Log().Warn("replication connection lost",
				observability.Field{Key: "error", Value: firstErr.Error()})
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-c.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("replication read: %w", err)
		}
		if err := c.handleFrame(ctx, data); err != nil {
			observability.Log().Error("replication frame rejected",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("replication ping: %w", err)
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	rows, err := decodeRows(f.Stream, f.Rows)
	if err != nil {
		return fmt.Errorf("decode %s rows: %w", f.Stream, err)
	}
	c.processor.ProcessReplicationRows(ctx, f.Stream, f.Token, rows)
	return nil
}

// decodeRows maps raw row payloads to the stream's typed row. Streams this
// dispatcher does not consume decode to an empty batch; their token still
// reaches the processor.
func decodeRows(stream string, raw []json.RawMessage) ([]sender.ReplicationRow, error) {
	rows := make([]sender.ReplicationRow, 0, len(raw))
	for _, payload := range raw {
		switch stream {
		case sender.StreamFederation:
			var row sender.FederationRow
			if err := json.Unmarshal(payload, &row); err != nil {
				return nil, err
			}
			rows = append(rows, row)
		case sender.StreamReceipts:
			var row sender.ReceiptRow
			if err := json.Unmarshal(payload, &row); err != nil {
				return nil, err
			}
			rows = append(rows, row)
		case sender.StreamDeviceLists, sender.StreamToDevice:
			var row sender.EntityRow
			if err := json.Unmarshal(payload, &row); err != nil {
				return nil, err
			}
			rows = append(rows, row)
		default:
			// Streams without typed rows (such as events) only carry their
			// token.
		}
	}
	return rows, nil
}
