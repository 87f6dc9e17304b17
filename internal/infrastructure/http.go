package infrastructure

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/basket-gateway/internal/config"
	"github.com/krobus00/basket-gateway/internal/constant"
	"github.com/sirupsen/logrus"
)

const (
	defaultHTTPAddr          = ":8080"
	defaultReadTimeout       = 5 * time.Second
	defaultReadHeaderTimeout = 2 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxHeaderBytes    = 1 << 20

	headerRequestID = "X-Request-Id"
)

var ErrHijackUnsupported = errors.New("http response writer does not support hijacking")

type requestIDKey struct{}

// HTTPServer serves the basket admin API and client websocket sessions.
type HTTPServer struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

type HTTPServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// NewHTTPServer wraps handler with the gateway middleware chain. WriteTimeout
// stays unset since client sessions are long-lived websockets.
func NewHTTPServer(cfg HTTPServerConfig, handler http.Handler) *HTTPServer {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = resolveHTTPAddr()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	return &HTTPServer{
		server: &http.Server{
			Addr: cfg.Addr,
			Handler: chainHTTPMiddleware(handler,
				httpRequestIDMiddleware,
				httpRecoveryMiddleware,
				httpAccessLogMiddleware,
			),
			ReadTimeout:       defaultReadTimeout,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
			IdleTimeout:       defaultIdleTimeout,
			MaxHeaderBytes:    defaultMaxHeaderBytes,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

func (h *HTTPServer) Addr() string {
	return h.server.Addr
}

func (h *HTTPServer) Start() error {
	logrus.WithField("addr", h.server.Addr).Info("http server starting")
	err := h.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (h *HTTPServer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
	}

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// NewHTTPMux mounts the liveness and readiness endpoints. ready reports
// whether at least one inner adapter can take traffic; a nil ready is
// always ready.
func NewHTTPMux(ready func() bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("no adapter connected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	return mux
}

// RequestIDFromContext returns the id assigned by the request id middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type httpMiddleware func(http.Handler) http.Handler

func chainHTTPMiddleware(handler http.Handler, middlewares ...httpMiddleware) http.Handler {
	wrapped := handler
	for idx := len(middlewares) - 1; idx >= 0; idx-- {
		wrapped = middlewares[idx](wrapped)
	}

	return wrapped
}

func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(headerRequestID, requestID)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))
	})
}

func httpRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logrus.WithFields(logrus.Fields{
					"request_id": RequestIDFromContext(r.Context()),
					"path":       r.URL.Path,
					"panic":      recovered,
				}).Error("panic recovered in basket http handler")

				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("internal server error"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// httpAccessLogMiddleware logs one line per request. Health checks go to debug
// and websocket sessions are logged when they close.
func httpAccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := &httpResponseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(writer, r)

		logger := logrus.WithFields(accessLogFields(r, writer.statusCode, time.Since(started)))
		switch {
		case writer.hijacked:
			logger.Info("basket client session closed")
		case r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
			logger.Debug("health check handled")
		default:
			logger.Info("basket http request handled")
		}
	})
}

// accessLogFields includes the association and adapter named by admin requests.
func accessLogFields(r *http.Request, status int, elapsed time.Duration) logrus.Fields {
	fields := logrus.Fields{
		"request_id":  RequestIDFromContext(r.Context()),
		"method":      r.Method,
		"path":        r.URL.Path,
		"remote_addr": clientIPFromRequest(r),
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	}

	if kind, ok := strings.CutPrefix(r.URL.Path, "/basket/v1/associations/"); ok && kind != "" {
		fields["association_kind"] = kind
	}
	query := r.URL.Query()
	if key := query.Get("key"); key != "" {
		fields["association_key"] = key
	}
	if adapterID := query.Get("adapter_id"); adapterID != "" {
		fields["adapter_id"] = adapterID
	}

	return fields
}

type httpResponseRecorder struct {
	http.ResponseWriter
	statusCode int
	hijacked   bool
}

func (r *httpResponseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades pass through the access log middleware.
func (r *httpResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, ErrHijackUnsupported
	}

	r.statusCode = http.StatusSwitchingProtocols
	r.hijacked = true
	return hijacker.Hijack()
}

func clientIPFromRequest(r *http.Request) string {
	if forwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}

	return strings.TrimSpace(r.RemoteAddr)
}

func resolveHTTPAddr() string {
	if config.Env == nil {
		return defaultHTTPAddr
	}

	port := strings.TrimSpace(config.Env.Port[constant.BasketGatewayHTTPPort])
	switch {
	case port == "":
		return defaultHTTPAddr
	case strings.HasPrefix(port, ":"):
		return port
	default:
		return ":" + port
	}
}
