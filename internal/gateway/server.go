package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/hooks"
	"github.com/relayhq/relay/pkg/models"
)

const (
	maxFrameBytes  = 1 << 20
	sendBufferSize = 64
)

var errUnauthorized = errors.New("invalid auth token")

// Server owns the adapter-facing websocket endpoint. Each adapter holds
// one connection, introduced by a hello frame.
type Server struct {
	cfg        config.GatewayConfig
	dispatcher *Dispatcher
	bus        *hooks.Registry
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpSrv    *http.Server
}

// NewServer builds the gateway server around a dispatcher.
func NewServer(cfg config.GatewayConfig, dispatcher *Dispatcher, bus *hooks.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Handler exposes the HTTP routes: /ws for adapters, /healthz for probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
	}

	s.bus.TriggerAsync(ctx, &hooks.Event{Type: hooks.EventGatewayStartup, Timestamp: time.Now()})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		s.dispatcher.Close()
		s.bus.TriggerAsync(context.Background(), &hooks.Event{Type: hooks.EventGatewayShutdown, Timestamp: time.Now()})
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	wsc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		server: s,
		ws:     wsc,
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
		logger: s.logger.With("conn", wsc.RemoteAddr().String()),
	}
	c.run()
}

// conn is one adapter connection.
type conn struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	id       string
	greeted  atomic.Bool
	adapter  string
	platform string
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *conn) close() {
	c.cancel()
	_ = c.ws.Close()
}

func (c *conn) readLoop() {
	pongWait := c.server.cfg.PongWait
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeInboundFrame(data)
		if err != nil {
			c.sendError(CodeMalformedEvent, err.Error())
			continue
		}

		if !c.greeted.Load() {
			if frame.Type != FrameHello {
				c.sendError(CodeHelloRequired, "first frame must be hello")
				continue
			}
			if err := c.handleHello(frame); err != nil {
				// Leave the connection open so the adapter can retry
				// the handshake; nothing else is accepted until then.
				c.sendError(CodeUnauthorized, err.Error())
				continue
			}
			continue
		}

		switch frame.Type {
		case FrameHello:
			// Repeated hello is harmless; adapters may resend on reconnect logic.
			continue
		case FrameEvent:
			c.handleEvent(frame)
		case FrameCancel:
			c.server.dispatcher.Cancel(c.platform, frame.Channel)
		}
	}
}

func (c *conn) handleHello(frame *Frame) error {
	if token := c.server.cfg.AuthToken; token != "" {
		if subtle.ConstantTimeCompare([]byte(frame.Token), []byte(token)) != 1 {
			return errUnauthorized
		}
	}
	c.adapter = frame.Adapter
	c.platform = frame.Platform
	c.greeted.Store(true)
	c.logger.Info("adapter connected", "adapter", c.adapter, "platform", c.platform)

	return c.WriteFrame(&Frame{Type: FrameHello, Adapter: c.adapter, Platform: c.platform})
}

func (c *conn) handleEvent(frame *Frame) {
	key := models.NewSessionKey(c.platform, frame.Channel, frame.User)
	msg := models.Message{
		ID:          uuid.NewString(),
		SessionKey:  key,
		Platform:    c.platform,
		Channel:     frame.Channel,
		Sender:      frame.User,
		SenderName:  frame.SenderName,
		Direction:   models.DirectionInbound,
		Role:        models.RoleUser,
		Content:     frame.Content,
		Attachments: frame.Attachments,
		CreatedAt:   time.Now(),
	}
	broadcast := frame.ChannelKind == string(models.ChannelBroadcast)
	c.server.dispatcher.HandleEvent(c.ctx, msg, broadcast, c)
}

// WriteFrame queues a frame for delivery on this connection.
func (c *conn) WriteFrame(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *conn) sendError(code, message string) {
	_ = c.WriteFrame(&Frame{Type: FrameError, Code: code, Message: message})
}

func (c *conn) writeLoop() {
	pingInterval := c.server.cfg.PongWait * 9 / 10
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}
