package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/carepay/healthcredit/internal/auth"
	"github.com/carepay/healthcredit/internal/logging"
	"github.com/carepay/healthcredit/internal/metrics"
)

const (
	Header         = "Idempotency-Key"
	ReplayedHeader = "Idempotent-Replayed"

	maxKeyLength  = 255
	maxBodyBytes  = 1 << 20
	storeDeadline = 2 * time.Second
)

var outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Subsystem: "idempotency",
	Name:      "requests_total",
	Help:      "Keyed mutations by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(outcomes)
}

// Config controls the middleware.
type Config struct {
	TTL time.Duration
	// Required rejects mutations that carry no key.
	Required bool
}

// Middleware replays the stored response for a repeated
// (owner, method, path, key). Mount it after auth so the owner is known.
// Safe methods pass through.
func Middleware(store Store, cfg Config) gin.HandlerFunc {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return func(c *gin.Context) {
		if !mutating(c.Request.Method) {
			c.Next()
			return
		}

		key := c.GetHeader(Header)
		if key == "" {
			if cfg.Required {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "idempotency_key_required",
					"message": "Idempotency-Key header is required for mutations",
				})
				return
			}
			c.Next()
			return
		}
		if len(key) > maxKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Idempotency-Key is too long",
			})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ctx := c.Request.Context()
		log := logging.L(ctx)
		path := c.Request.URL.Path
		scoped := scope(auth.OwnerID(c), c.Request.Method, path, key)
		fp := fingerprint(c.Request.Method, path, body)

		rec, reserved, err := store.Reserve(ctx, scoped, fp, cfg.TTL)
		if err != nil {
			// The ledger's own key check still prevents double effects.
			outcomes.WithLabelValues("store_error").Inc()
			log.Warn("idempotency store unavailable", "error", err)
			c.Next()
			return
		}

		if !reserved {
			switch {
			case rec.Fingerprint != fp:
				outcomes.WithLabelValues("mismatch").Inc()
				c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
					"error":   "idempotency_key_reused",
					"message": "Idempotency-Key was already used with a different request",
				})
			case !rec.Done:
				outcomes.WithLabelValues("in_flight").Inc()
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"error":   "request_in_progress",
					"message": "A request with this Idempotency-Key is still being processed",
				})
			default:
				outcomes.WithLabelValues("replayed").Inc()
				c.Header(ReplayedHeader, "true")
				c.Data(rec.Status, rec.ContentType, rec.Body)
				c.Abort()
			}
			return
		}

		w := &recorder{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		// Finish bookkeeping even if the client went away.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeDeadline)
		defer cancel()

		status := w.Status()
		if status >= http.StatusInternalServerError {
			outcomes.WithLabelValues("released").Inc()
			if err := store.Release(sctx, scoped); err != nil {
				log.Warn("idempotency release failed", "error", err)
			}
			return
		}
		outcomes.WithLabelValues("stored").Inc()
		err = store.Complete(sctx, scoped, &Record{
			Fingerprint: fp,
			Done:        true,
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
			CreatedAt:   time.Now().UTC(),
		}, cfg.TTL)
		if err != nil {
			log.Warn("idempotency store failed", "error", err)
		}
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func scope(owner, method, path, key string) string {
	sum := sha256.Sum256([]byte(owner + "\x00" + method + "\x00" + path + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

func fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method + " " + path + "\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// recorder keeps a copy of the response body.
type recorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}
