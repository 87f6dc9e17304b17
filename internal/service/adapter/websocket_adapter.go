package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultWebsocketConnectTimeout = 10 * time.Second
	defaultWebsocketPingInterval   = 30 * time.Second
	websocketWriteWait             = 5 * time.Second
	websocketReconnectMinDelay     = 250 * time.Millisecond
	websocketReconnectMaxDelay     = 30 * time.Second
)

type WebsocketAdapterConfig struct {
	URL            string
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	// MaxReconnects bounds reconnect attempts after a lost connection. Zero
	// keeps retrying until the backoff gives up.
	MaxReconnects int
}

// WebsocketAdapter speaks the normalized envelope protocol over a single
// websocket. The first dial answers Connect. Later drops are reported as
// ConnectionLost and, after a successful redial, ConnectionRestored.
type WebsocketAdapter struct {
	id     entity.AdapterID
	name   string
	cfg    WebsocketAdapterConfig
	dialer *websocket.Dialer

	mu      sync.Mutex
	handler func(msg entity.Message)
	session *websocketSession

	writeMu sync.Mutex
}

type websocketSession struct {
	cancel context.CancelFunc
	conn   *websocket.Conn
}

func NewWebsocketAdapter(id entity.AdapterID, name string, cfg WebsocketAdapterConfig) *WebsocketAdapter {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultWebsocketConnectTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWebsocketPingInterval
	}

	return &WebsocketAdapter{
		id:   id,
		name: name,
		cfg:  cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
	}
}

func (a *WebsocketAdapter) ID() entity.AdapterID {
	return a.id
}

func (a *WebsocketAdapter) Name() string {
	return a.name
}

func (a *WebsocketAdapter) SetOutMessageHandler(handler func(msg entity.Message)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.handler = handler
}

func (a *WebsocketAdapter) SendInMessage(ctx context.Context, msg entity.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch msg.(type) {
	case *entity.ConnectMessage:
		a.start()
		return nil
	case *entity.DisconnectMessage:
		a.stop()
		a.emit(&entity.DisconnectResponse{})
		return nil
	case *entity.ResetMessage:
		a.stop()
		return nil
	}

	return a.write(msg)
}

func (a *WebsocketAdapter) start() {
	a.mu.Lock()
	if a.session != nil {
		a.mu.Unlock()
		logrus.WithField("adapter", a.name).Debug("connect while session is running")
		a.emit(&entity.ConnectResponse{})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &websocketSession{cancel: cancel}
	a.session = session
	a.mu.Unlock()

	go a.run(ctx, session)
}

func (a *WebsocketAdapter) stop() {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()

	if session == nil {
		return
	}
	session.cancel()
}

func (a *WebsocketAdapter) run(ctx context.Context, session *websocketSession) {
	logger := logrus.WithFields(logrus.Fields{
		"adapter": a.name,
		"url":     a.cfg.URL,
	})

	conn, err := a.dial(ctx)
	if ctx.Err() != nil {
		closeConn(conn)
		return
	}
	if err != nil {
		a.release(session)
		a.emit(&entity.ConnectResponse{Error: err})
		return
	}

	a.attach(session, conn)
	a.emit(&entity.ConnectResponse{})
	logger.Info("adapter websocket connected")

	for {
		err := a.serve(ctx, conn)
		a.attach(session, nil)
		if ctx.Err() != nil {
			return
		}

		logger.Warnf("adapter websocket lost: %v", err)
		a.emit(&entity.ConnectionLostMessage{Error: err})

		conn, err = a.reconnect(ctx)
		if ctx.Err() != nil {
			closeConn(conn)
			return
		}
		if err != nil {
			logger.Errorf("adapter websocket gave up reconnecting: %v", err)
			a.release(session)
			return
		}

		a.attach(session, conn)
		a.emit(&entity.ConnectionRestoredMessage{})
		logger.Info("adapter websocket restored")
	}
}

func (a *WebsocketAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := a.dialer.DialContext(dialCtx, a.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}

	return conn, nil
}

func (a *WebsocketAdapter) reconnect(ctx context.Context) (*websocket.Conn, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = websocketReconnectMinDelay
	expBackoff.MaxInterval = websocketReconnectMaxDelay

	opts := []backoff.RetryOption{
		backoff.WithBackOff(expBackoff),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logrus.WithFields(logrus.Fields{
				"adapter":  a.name,
				"retry_in": wait.String(),
			}).Warnf("adapter websocket redial failed: %v", err)
		}),
	}
	if a.cfg.MaxReconnects > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(a.cfg.MaxReconnects)))
	}

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		return a.dial(ctx)
	}, opts...)
}

// serve reads until the connection breaks or ctx is cancelled.
func (a *WebsocketAdapter) serve(ctx context.Context, conn *websocket.Conn) error {
	readWait := 2 * a.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go a.keepAlive(ctx, conn, stop)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		msg, err := entity.DecodeMessage(payload)
		if err != nil {
			logrus.WithField("adapter", a.name).Warnf("drop undecodable adapter message: %v", err)
			continue
		}
		a.emit(msg)
	}
}

func (a *WebsocketAdapter) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(websocketWriteWait)); err != nil {
				logrus.WithField("adapter", a.name).Warnf("adapter websocket ping failed: %v", err)
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			closeConn(conn)
			return
		case <-stop:
			return
		}
	}
}

func (a *WebsocketAdapter) write(msg entity.Message) error {
	payload, err := entity.EncodeMessage(msg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	var conn *websocket.Conn
	if a.session != nil {
		conn = a.session.conn
	}
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", a.name, ErrNotConnected)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", a.cfg.URL, err)
	}

	return nil
}

func (a *WebsocketAdapter) attach(session *websocketSession, conn *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	session.conn = conn
}

// release forgets session if it is still the current one so a later Connect
// starts fresh.
func (a *WebsocketAdapter) release(session *websocketSession) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == session {
		a.session = nil
	}
	session.cancel()
}

func (a *WebsocketAdapter) emit(msg entity.Message) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

func closeConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(websocketWriteWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		logrus.Debugf("adapter websocket close frame: %v", err)
	}
	_ = conn.Close()
}
