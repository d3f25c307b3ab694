package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/relay-chat/internal/metrics"
)

const writeTimeout = 10 * time.Second

// ErrHandleClosed is returned by Send after the handle stopped writing.
var ErrHandleClosed = errors.New("handle closed")

// frameWriter is the part of a WebSocket the handle writes through.
type frameWriter interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// wsHandle queues frames for one WebSocket and writes them from its own
// goroutine, so a slow client never blocks the sender.
// When the queue is full the oldest frame is dropped.
type wsHandle struct {
	id     string
	userID string
	conn   frameWriter
	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newHandle(conn frameWriter, userID string, queueSize int, logger *slog.Logger) *wsHandle {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &wsHandle{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		queue:  make(chan []byte, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	h.wg.Add(1)
	go h.writeLoop()
	return h
}

// ID returns the handle's unique ID.
func (h *wsHandle) ID() string {
	return h.id
}

// Send queues data without blocking.
func (h *wsHandle) Send(_ context.Context, data []byte) error {
	if h.ctx.Err() != nil {
		return ErrHandleClosed
	}

	select {
	case h.queue <- data:
		return nil
	case <-h.ctx.Done():
		return ErrHandleClosed
	default:
	}

	// Queue full: drop the oldest frame to make room.
	select {
	case <-h.queue:
		metrics.DroppedDeliveries.Inc()
		h.logger.Warn("Send queue full, dropped oldest frame", "user_id", h.userID, "handle_id", h.id)
	default:
	}

	select {
	case h.queue <- data:
		return nil
	case <-h.ctx.Done():
		return ErrHandleClosed
	default:
		return errors.New("send queue full")
	}
}

func (h *wsHandle) writeLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case data := <-h.queue:
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := h.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if h.ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "user_id", h.userID, "handle_id", h.id, "error", err)
				}
				h.cancel()
				return
			}
		}
	}
}

// Close stops the writer. Frames still queued are discarded.
func (h *wsHandle) Close() {
	h.cancel()
	h.wg.Wait()
	if n := len(h.queue); n > 0 {
		h.logger.Debug("Discarded queued frames on close", "user_id", h.userID, "handle_id", h.id, "count", n)
	}
}

// Done is closed once the handle stops writing.
func (h *wsHandle) Done() <-chan struct{} {
	return h.ctx.Done()
}
