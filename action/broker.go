package action

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

type BrokerState int32

const (
	BrokerStateStopped BrokerState = iota
	BrokerStateStarting
	BrokerStateRunning
	BrokerStateStopping
	BrokerStateReconnecting
)

const (
	pingInterval   = 54 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	handlerTimeout = 30 * time.Second
	sendBuffer     = 256
)

// WebSocketBroker keeps one client connection to the CMS event relay and
// dispatches incoming actions to subscribed handlers.
type WebSocketBroker struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	metrics           types.MetricsManager
	config            *types.ActionsConfig
	dialer            *websocket.Dialer
	conn              *websocket.Conn
	connMu            sync.Mutex
	subscriptions     map[string][]types.ActionHandler
	subsMu            sync.RWMutex
	send              chan *types.ActionMessage
	done              chan struct{}
	state             atomic.Value
	reconnectAttempts int32
	shutdownTimeout   time.Duration
}

func NewWebSocketBroker(ctx context.Context, config *types.ActionsConfig, logger types.Logger, metrics types.MetricsManager) (*WebSocketBroker, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	if config.URL == "" {
		return nil, types.Errorf(types.ErrActionConfigInvalid, "actions.url is required")
	}

	brokerCtx, cancel := context.WithCancel(ctx)

	broker := &WebSocketBroker{
		ctx:     brokerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		config:  config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		subscriptions:   make(map[string][]types.ActionHandler),
		send:            make(chan *types.ActionMessage, sendBuffer),
		done:            make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
	}

	broker.state.Store(BrokerStateStopped)

	logger.Info("WebSocket broker initialized",
		zap.String("url", config.URL),
		zap.Duration("reconnect_delay", config.ReconnectDelay),
		zap.Int("max_retries", config.MaxRetries))

	return broker, nil
}

func (w *WebSocketBroker) Publish(action string, payload interface{}) error {
	if !w.IsRunning() {
		return types.ErrActionNotInitialized
	}

	message := &types.ActionMessage{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "sai-portal",
		MessageID: uuid.NewString(),
	}

	select {
	case w.send <- message:
		w.recordMetric("publish", "queued", action)
		return nil
	case <-w.ctx.Done():
		return types.ErrActionNotInitialized
	default:
		w.logger.Error("Send buffer is full, dropping message",
			zap.String("action", action),
			zap.String("message_id", message.MessageID))
		w.recordMetric("publish", "dropped", action)
		return types.ErrActionPublishFailed
	}
}

func (w *WebSocketBroker) Subscribe(action string, handler types.ActionHandler) error {
	if action == "" || handler == nil {
		return types.ErrActionConfigInvalid
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	w.subscriptions[action] = append(w.subscriptions[action], handler)

	w.logger.Debug("Subscribed to action",
		zap.String("action", action),
		zap.Int("total_handlers", len(w.subscriptions[action])))

	return nil
}

func (w *WebSocketBroker) Unsubscribe(action string) error {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	if _, ok := w.subscriptions[action]; !ok {
		return types.Errorf(types.ErrActionConfigInvalid, "no subscription for %s", action)
	}

	delete(w.subscriptions, action)

	return nil
}

func (w *WebSocketBroker) Start() error {
	if !w.transitionState(BrokerStateStopped, BrokerStateStarting) {
		return types.ErrActionIsRunning
	}

	conn, err := w.dial()
	if err != nil {
		w.state.Store(BrokerStateStopped)
		return err
	}

	w.state.Store(BrokerStateRunning)
	go w.run(conn)

	w.logger.Info("WebSocket broker started", zap.String("url", w.config.URL))

	return nil
}

func (w *WebSocketBroker) Stop() error {
	if !w.transitionState(BrokerStateRunning, BrokerStateStopping) &&
		!w.transitionState(BrokerStateReconnecting, BrokerStateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer w.state.Store(BrokerStateStopped)

	w.cancel()
	w.closeConn(true)

	select {
	case <-w.done:
		w.logger.Info("WebSocket broker stopped gracefully")
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("WebSocket broker stop timeout")
	}

	return nil
}

func (w *WebSocketBroker) IsRunning() bool {
	state := w.getState()
	return state == BrokerStateRunning || state == BrokerStateReconnecting
}

func (w *WebSocketBroker) getState() BrokerState {
	return w.state.Load().(BrokerState)
}

func (w *WebSocketBroker) transitionState(from, to BrokerState) bool {
	return w.state.CompareAndSwap(from, to)
}

func (w *WebSocketBroker) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := w.dialer.DialContext(dialCtx, w.config.URL, nil)
	if err != nil {
		return nil, types.Errorf(types.ErrActionConnectionFailed, "dial %s: %v", w.config.URL, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	atomic.StoreInt32(&w.reconnectAttempts, 0)

	return conn, nil
}

func (w *WebSocketBroker) closeConn(graceful bool) {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn == nil {
		return
	}

	if graceful {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}

	_ = w.conn.Close()
	w.conn = nil
}

// run serves conn until it fails, then reconnects until the broker stops or retries run out.
func (w *WebSocketBroker) run(conn *websocket.Conn) {
	defer close(w.done)

	for {
		w.serve(conn)

		if w.ctx.Err() != nil {
			return
		}

		w.closeConn(false)
		w.transitionState(BrokerStateRunning, BrokerStateReconnecting)

		next, ok := w.reconnect()
		if !ok {
			return
		}

		w.transitionState(BrokerStateReconnecting, BrokerStateRunning)
		conn = next
	}
}

func (w *WebSocketBroker) reconnect() (*websocket.Conn, bool) {
	for {
		attempt := atomic.AddInt32(&w.reconnectAttempts, 1)

		if w.config.MaxRetries > 0 && int(attempt) > w.config.MaxRetries {
			w.logger.Error("Max reconnection attempts reached, broker stopped",
				zap.Int("max_retries", w.config.MaxRetries))
			w.transitionState(BrokerStateReconnecting, BrokerStateStopped)
			w.cancel()
			return nil, false
		}

		select {
		case <-time.After(w.config.ReconnectDelay):
		case <-w.ctx.Done():
			return nil, false
		}

		conn, err := w.dial()
		if err == nil {
			w.logger.Info("Reconnected to WebSocket server", zap.Int32("attempt", attempt))
			w.recordMetric("reconnect", "success", "")
			return conn, true
		}

		w.logger.Warn("Reconnection attempt failed", zap.Int32("attempt", attempt), zap.Error(err))
		w.recordMetric("reconnect", "error", "")

		if w.ctx.Err() != nil {
			return nil, false
		}
	}
}

func (w *WebSocketBroker) serve(conn *websocket.Conn) {
	stop := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		w.writePump(conn, stop)
	}()

	w.readPump(conn)

	close(stop)
	<-writerDone
}

func (w *WebSocketBroker) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				w.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}

		var message types.ActionMessage
		if err := utils.Unmarshal(data, &message); err != nil {
			w.logger.Error("Failed to unmarshal action message", zap.Error(err))
			w.recordMetric("handle", "malformed", "")
			continue
		}

		w.dispatch(&message)
	}
}

func (w *WebSocketBroker) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-stop:
			return
		case message := <-w.send:
			data, err := utils.Marshal(message)
			if err != nil {
				w.logger.Error("Failed to marshal outgoing message",
					zap.String("action", message.Action),
					zap.Error(err))
				continue
			}

			if err := w.write(conn, websocket.TextMessage, data); err != nil {
				w.logger.Warn("WebSocket write failed", zap.String("action", message.Action), zap.Error(err))
				w.recordMetric("publish", "error", message.Action)
				_ = conn.Close()
				return
			}
			w.recordMetric("publish", "sent", message.Action)
		case <-ticker.C:
			if err := w.write(conn, websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (w *WebSocketBroker) write(conn *websocket.Conn, messageType int, data []byte) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

func (w *WebSocketBroker) dispatch(message *types.ActionMessage) {
	w.subsMu.RLock()
	handlers := append([]types.ActionHandler(nil), w.subscriptions[message.Action]...)
	w.subsMu.RUnlock()

	if len(handlers) == 0 {
		w.logger.Debug("No handlers for action", zap.String("action", message.Action))
		w.recordMetric("handle", "no_handlers", message.Action)
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, handlerTimeout)
	defer cancel()

	for i, handler := range handlers {
		if err := w.invoke(ctx, handler, message); err != nil {
			w.logger.Error("Action handler failed",
				zap.String("action", message.Action),
				zap.String("message_id", message.MessageID),
				zap.Int("handler_index", i),
				zap.Error(err))
			w.recordMetric("handle", "error", message.Action)
			continue
		}
		w.recordMetric("handle", "success", message.Action)
	}
}

func (w *WebSocketBroker) invoke(ctx context.Context, handler types.ActionHandler, message *types.ActionMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("handler panicked")
			w.logger.Error("Action handler panicked",
				zap.String("action", message.Action),
				zap.Any("panic", r))
		}
	}()

	return handler(ctx, message)
}

func (w *WebSocketBroker) recordMetric(operation, result, action string) {
	if w.metrics == nil {
		return
	}

	w.metrics.Counter("websocket_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"action":    action,
	}).Inc()
}
