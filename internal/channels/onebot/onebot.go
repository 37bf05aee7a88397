// Package onebot implements a OneBot v11 forward WebSocket channel
// (the protocol spoken by NapCat, LLOneBot, go-cqhttp and friends for QQ groups).
package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/groupclaw/internal/bus"
	"github.com/nextlevelbuilder/groupclaw/internal/channels"
	"github.com/nextlevelbuilder/groupclaw/internal/config"
)

const channelName = "onebot"

// ErrNotConnected is returned by SendReply while the socket is down.
var ErrNotConnected = errors.New("onebot: not connected")

// Channel connects to a OneBot implementation over WebSocket.
type Channel struct {
	*channels.BaseChannel
	cfg config.OneBotConfig

	mu      sync.Mutex // guards conn
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer

	pending sync.Map // echo -> chan *frame
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a OneBot channel from config.
func New(cfg config.OneBotConfig, router bus.MessageRouter) (*Channel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("onebot url is required")
	}
	rps := cfg.SendRPS
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 3
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel(channelName, router, cfg.SelfID),
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		done:        make(chan struct{}),
	}, nil
}

// Start connects and starts the read loop. A failed first dial is not fatal;
// the loop keeps retrying with backoff.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting onebot channel", "url", c.cfg.URL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		slog.Warn("initial onebot connection failed, will retry", "error", err)
	}

	go c.listenLoop()
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("stopping onebot channel")

	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn(nil)

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// SendReply sends a group message through the send_group_msg action.
func (c *Channel) SendReply(ctx context.Context, groupID, content, replyTo string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := c.call(ctx, "send_group_msg", sendGroupMsgParams{
		GroupID: json.Number(groupID),
		Message: buildReply(content, replyTo),
	})
	if err != nil {
		return "", err
	}

	var res sendMsgResult
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &res); err != nil {
			return "", fmt.Errorf("decode send_group_msg result: %w", err)
		}
	}
	return res.MessageID.String(), nil
}

// call sends an action and waits for the response with the same echo.
func (c *Channel) call(ctx context.Context, name string, params any) (*frame, error) {
	echo := uuid.NewString()
	ch := make(chan *frame, 1)
	c.pending.Store(echo, ch)
	defer c.pending.Delete(echo)

	data, err := json.Marshal(action{Action: name, Params: params, Echo: echo})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := c.write(data); err != nil {
		return nil, err
	}

	timeout := time.Duration(c.cfg.APITimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Status == "failed" || resp.RetCode != 0 {
			return nil, fmt.Errorf("onebot %s failed: retcode=%d %s", name, resp.RetCode, resp.Wording)
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("onebot %s: no response after %s", name, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("onebot write: %w", err)
	}
	return nil
}

// connect establishes the WebSocket connection.
func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	conn, _, err := dialer.DialContext(c.ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial onebot %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.SetRunning(true, nil)
	slog.Info("onebot connected", "url", c.cfg.URL)
	return nil
}

func (c *Channel) closeConn(cause error) {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.SetRunning(false, cause)
}

// listenLoop reads frames with automatic reconnection.
func (c *Channel) listenLoop() {
	defer close(c.done)

	maxBackoff := time.Duration(c.cfg.ReconnectSec) * time.Second
	if maxBackoff <= 0 {
		maxBackoff = 60 * time.Second
	}
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting onebot reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("onebot reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}

			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("onebot read error, will reconnect", "error", err)
			c.closeConn(err)
			continue
		}

		c.handleFrame(message)
	}
}

func (c *Channel) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("invalid onebot frame", "error", err)
		return
	}

	if f.Echo != "" && f.PostType == "" {
		if ch, ok := c.pending.Load(f.Echo); ok {
			select {
			case ch.(chan *frame) <- &f:
			default:
			}
		}
		return
	}

	if f.SelfID != "" {
		c.SetSelfID(f.SelfID.String())
	}
	if f.isLifecycleConnect() {
		slog.Info("onebot lifecycle connect", "self_id", f.SelfID.String())
		return
	}

	ev, ok := f.toTriggerEvent()
	if !ok {
		return
	}

	slog.Debug("onebot group message",
		"group", ev.GroupID,
		"user", ev.UserID,
		"message_id", ev.MessageID,
		"segments", len(ev.Segments),
	)
	c.HandleMessage(ev)
}
