package ari

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbot/pkg/errorsx"
	"github.com/harunnryd/callbot/pkg/logging"
)

// CallHandler receives call lifecycle events from the event stream.
type CallHandler interface {
	OnCallStarted(evt Event)
	OnCallEnded(evt Event)
}

// EventClient keeps a single authenticated connection to the event stream and
// routes call lifecycle events to a CallHandler.
type EventClient struct {
	cfg     Config
	handler CallHandler
	dialer  *websocket.Dialer
	logger  *slog.Logger

	running atomic.Bool
	connMu  sync.Mutex
	conn    *websocket.Conn

	connects atomic.Int64
}

func NewEventClient(cfg Config, handler CallHandler) *EventClient {
	return &EventClient{
		cfg:     cfg.withDefaults(),
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logging.NewComponentLogger(slog.Default(), "ari_events"),
	}
}

// Connects returns how many times the stream was (re)established.
func (c *EventClient) Connects() int64 { return c.connects.Load() }

// Run blocks until ctx is canceled, Stop is called or the server closes normally.
func (c *EventClient) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.running.Store(true)
	defer c.running.Store(false)

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.EventsURL(), nil)
		if err != nil {
			if ctx.Err() != nil || !c.running.Load() {
				return nil
			}
			c.logger.Error("ari_connect_failed", "error", errorsx.Wrap(err, errorsx.ReasonARIConnect).Error(), "retry_in", c.cfg.ReconnectDelay().String())
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}
		c.setConn(conn)
		c.connects.Add(1)
		c.logger.Info("ari_connected", "app", c.cfg.App)

		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-stop:
			}
		}()
		code := c.consume(conn)
		close(stop)
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil || !c.running.Load() {
			return nil
		}
		if code == websocket.CloseNormalClosure {
			c.logger.Info("ari_closed", "code", code)
			return nil
		}
		c.logger.Warn("ari_reconnecting", "code", code, "retry_in", c.cfg.ReconnectDelay().String())
		if !c.sleep(ctx) {
			return nil
		}
	}
}

// Stop closes the stream deliberately with a normal closure.
func (c *EventClient) Stop() {
	c.running.Store(false)
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (c *EventClient) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *EventClient) sleep(ctx context.Context) bool {
	timer := time.NewTimer(c.cfg.ReconnectDelay())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return c.running.Load()
	}
}

// consume reads until the connection drops and returns the close code, or -1.
func (c *EventClient) consume(conn *websocket.Conn) int {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			return -1
		}
		c.Dispatch(data)
	}
}

// Dispatch decodes a single message and routes it. Malformed payloads are skipped.
func (c *EventClient) Dispatch(data []byte) {
	evt, err := ParseEvent(data)
	if err != nil {
		c.logger.Warn("ari_event_malformed", "error", err.Error())
		return
	}
	switch evt.Type {
	case EventStasisStart:
		c.logger.Info("ari_stasis_start", "channel", evt.ChannelID(), "args", len(evt.Args))
		if c.handler != nil {
			c.handler.OnCallStarted(evt)
		}
	case EventStasisEnd:
		c.logger.Info("ari_stasis_end", "channel", evt.ChannelID())
		if c.handler != nil {
			c.handler.OnCallEnded(evt)
		}
	case EventChannelStateChange:
		state := ""
		if evt.Channel != nil {
			state = evt.Channel.State
		}
		c.logger.Debug("ari_channel_state", "channel", evt.ChannelID(), "state", state)
	case EventPlaybackStarted, EventPlaybackFinished:
		id := ""
		if evt.Playback != nil {
			id = evt.Playback.ID
		}
		c.logger.Debug("ari_playback_event", "type", evt.Type, "playback", id)
	case EventRecordingStarted, EventRecordingFinished:
		name := ""
		if evt.Recording != nil {
			name = evt.Recording.Name
		}
		c.logger.Debug("ari_recording_event", "type", evt.Type, "recording", name)
	}
}
