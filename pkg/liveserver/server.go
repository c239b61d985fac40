// Package liveserver streams executor events to websocket clients
package liveserver

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var (
	websocketActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "executor_websocket_active_connections",
		Help: "Current number of active websocket connections",
	})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_websocket_rejected_total",
		Help: "Total number of rejected websocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

// Options tune the websocket handler
type Options struct {
	// AllowedOrigins lists scheme://host values. "*" allows any origin.
	AllowedOrigins []string
	MaxConnections int
	RateLimit      float64 // upgrades per second per IP
	RateBurst      int
}

// Handler upgrades /ws requests and pumps hub messages to the client
type Handler struct {
	hub            *Hub
	logger         Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	connSemaphore  chan struct{}

	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

// NewHandler creates a websocket handler bound to hub
func NewHandler(hub *Hub, logger Logger, opts Options) *Handler {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}

	h := &Handler{
		hub:            hub,
		logger:         logger,
		allowedOrigins: opts.AllowedOrigins,
		connSemaphore:  make(chan struct{}, opts.MaxConnections),
		rateLimit:      rate.Limit(opts.RateLimit),
		rateBurst:      opts.RateBurst,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts same-host requests without an Origin header and
// otherwise matches the whitelist
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		h.warn("Rejected websocket connection with invalid Origin", "origin", origin, "error", err)
		websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	if parsed.Host == r.Host {
		return true
	}

	originStr := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == originStr {
			return true
		}
	}

	h.warn("Rejected websocket connection from unauthorized origin",
		"origin", origin,
		"remote_addr", r.RemoteAddr)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Limits apply before the upgrade allocates anything
	ip := remoteIP(r)
	if !h.limiter(ip).Allow() {
		h.warn("IP rate limit exceeded", "ip", ip)
		websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case h.connSemaphore <- struct{}{}:
		websocketActiveConnections.Inc()
		defer func() {
			<-h.connSemaphore
			websocketActiveConnections.Dec()
		}()
	default:
		h.warn("Max connections reached")
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := NewClient(uuid.NewString())
	h.hub.Register(client)
	if h.logger != nil {
		h.logger.Info("Client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		h.readPump(conn, client)
	}()
	wg.Wait()

	h.hub.Unregister(client)
	if h.logger != nil {
		h.logger.Info("Client disconnected", "client_id", client.id)
	}
}

func (h *Handler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	// Unblocks the read pump when writing stops first
	defer conn.Close()

	for {
		select {
		case msg, ok := <-client.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.warn("Write error", "client_id", client.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; clients never send data
func (h *Handler) readPump(conn *websocket.Conn, client *Client) {
	defer h.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.warn("Read error", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

func (h *Handler) limiter(ip string) *rate.Limiter {
	if val, ok := h.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	actual, _ := h.ipLimiters.LoadOrStore(ip, rate.NewLimiter(h.rateLimit, h.rateBurst))
	return actual.(*rate.Limiter)
}

func (h *Handler) warn(msg string, keysAndValues ...interface{}) {
	if h.logger != nil {
		h.logger.Warn(msg, keysAndValues...)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
