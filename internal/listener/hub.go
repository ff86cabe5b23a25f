package listener

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/camrelay/internal/metrics"
)

const (
	// viewerWriteTimeout is the deadline for a single frame write to a viewer.
	viewerWriteTimeout = 10 * time.Second

	// DefaultViewerQueue is the per-viewer outgoing frame buffer depth.
	DefaultViewerQueue = 8
)

// Hub fans received payloads out to WebSocket viewers and remembers the
// latest one. Slow viewers lose their oldest queued frames rather than
// stalling the relay connections.
type Hub struct {
	queueSize      int
	originPatterns []string
	logger         *slog.Logger
	metrics        *metrics.Metrics

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	latest  *Payload

	done      chan struct{}
	closeOnce sync.Once
}

type viewer struct {
	send chan []byte
}

// HubConfig configures a Hub.
type HubConfig struct {
	QueueSize int // 0 = DefaultViewerQueue

	// OriginPatterns lists extra browser origins allowed to open /ws.
	OriginPatterns []string

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// NewHub creates an empty Hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultViewerQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		queueSize:      cfg.QueueSize,
		originPatterns: cfg.OriginPatterns,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		viewers:        make(map[*viewer]struct{}),
		done:           make(chan struct{}),
	}
}

// Publish records p as the latest payload and queues it for every viewer.
func (h *Hub) Publish(p Payload) {
	h.mu.Lock()
	h.latest = &p
	targets := make([]*viewer, 0, len(h.viewers))
	for v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.Unlock()

	for _, v := range targets {
		if v.offer(p.Data) {
			h.metrics.ViewerDropped()
		}
	}
}

// Latest returns the most recent payload.
func (h *Hub) Latest() (Payload, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return Payload{}, false
	}
	return *h.latest, true
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Handler serves /ws (binary frame stream) and /latest (last payload).
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("/latest", h.serveLatest)
	return mux
}

// Serve runs the viewer HTTP server on ln until ctx is cancelled, then
// disconnects every viewer.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	stop := context.AfterFunc(ctx, h.Close)
	defer stop()
	h.logger.Info("viewer server listening", "addr", ln.Addr())
	return metrics.ServeHTTP(ctx, srv, ln)
}

// Close disconnects all viewers. Publish remains safe to call.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) register(v *viewer) {
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	n := len(h.viewers)
	h.mu.Unlock()
	h.metrics.SetViewers(n)
}

func (h *Hub) unregister(v *viewer) {
	h.mu.Lock()
	delete(h.viewers, v)
	n := len(h.viewers)
	h.mu.Unlock()
	h.metrics.SetViewers(n)
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept has already written the error response.
		h.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	v := &viewer{send: make(chan []byte, h.queueSize)}
	h.register(v)
	defer h.unregister(v)
	h.logger.Info("viewer connected", "remote", r.RemoteAddr)

	// Send the latest frame immediately so the viewer has data right away.
	if p, ok := h.Latest(); ok {
		v.offer(p.Data)
	}

	// Viewers never send data; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("viewer disconnected", "remote", r.RemoteAddr)
			return
		case <-h.done:
			_ = ws.Close(websocket.StatusGoingAway, "listener shutting down")
			return
		case data := <-v.send:
			wctx, cancel := context.WithTimeout(ctx, viewerWriteTimeout)
			err := ws.Write(wctx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				h.logger.Debug("viewer write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func (h *Hub) serveLatest(w http.ResponseWriter, r *http.Request) {
	p, ok := h.Latest()
	if !ok {
		http.Error(w, "no frame received yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", p.Format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(p.Data)))
	w.Header().Set("X-Camrelay-Connection", p.ConnID)
	w.Header().Set("X-Camrelay-Seq", strconv.FormatUint(p.Seq, 10))
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(p.Data)
}

// offer queues data, discarding the oldest queued frame when the queue is
// full. It reports whether a frame was discarded.
func (v *viewer) offer(data []byte) (dropped bool) {
	for {
		select {
		case v.send <- data:
			return dropped
		default:
		}
		select {
		case <-v.send:
			dropped = true
		default:
		}
	}
}
