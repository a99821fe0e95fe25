package ratelimiter

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lowc1012/estate-ratelimiter/internal/log"
	rl "github.com/lowc1012/estate-ratelimiter/internal/ratelimiter"
	"github.com/lowc1012/estate-ratelimiter/internal/utils"
)

const maxResetBody = 4 << 10

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Logger().Error("Failed to marshal JSON response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Logger().Error("Failed to write JSON response", zap.Error(err))
	}
}

// RequireAdmin guards the admin endpoints. A request passes when it carries
// the configured admin token as "Authorization: Bearer <token>" or comes from
// an address on the bypass list. Without either configured every request is
// refused.
func (d *Dispatcher) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.adminAllowed(r) {
			next.ServeHTTP(w, r)
			return
		}
		d.logger.Warn("Rejected admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("ip", d.ClientIP(r)),
		)
		w.Header().Set("WWW-Authenticate", `Bearer realm="rate-limit-admin"`)
		writeJSON(w, http.StatusUnauthorized, response{Error: "admin credentials required"})
	})
}

func (d *Dispatcher) adminAllowed(r *http.Request) bool {
	if d.adminToken != "" {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if ok && strings.EqualFold(scheme, "Bearer") &&
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(d.adminToken)) == 1 {
			return true
		}
	}
	return utils.Contains(d.bypass, d.ClientIP(r))
}

type infoData struct {
	Environment string    `json:"environment"`
	Stats       *rl.Stats `json:"stats"`
	Rules       []rl.Rule `json:"rules"`
	Timestamp   time.Time `json:"timestamp"`
}

// Info reports bucket statistics and the active rule table.
func (d *Dispatcher) Info(w http.ResponseWriter, r *http.Request) {
	stats, err := d.limiter.Stats(r.Context())
	if err != nil {
		d.logger.Error("Failed to collect rate limiter stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Error: "failed to collect rate limiter stats"})
		return
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Data: infoData{
			Environment: string(d.registry.Environment()),
			Stats:       stats,
			Rules:       d.registry.Rules(),
			Timestamp:   time.Now().UTC(),
		},
	})
}

type quota struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
}

type testData struct {
	IP        string    `json:"ip"`
	RateLimit *quota    `json:"rateLimit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Test echoes the quota the dispatcher computed for the caller. Mounted
// behind the dispatcher it shows the limit counting down.
func (d *Dispatcher) Test(w http.ResponseWriter, r *http.Request) {
	data := testData{
		IP:        d.ClientIP(r),
		Timestamp: time.Now().UTC(),
	}
	if res, ok := ResultFromContext(r.Context()); ok {
		data.RateLimit = &quota{
			Limit:     res.Limit,
			Remaining: res.Remaining,
			Reset:     res.Reset.Unix(),
		}
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Rate limit test successful",
		Data:    data,
	})
}

type resetRequest struct {
	Pattern string `json:"pattern"`
}

type resetData struct {
	Pattern string `json:"pattern"`
	Deleted int64  `json:"deleted"`
}

// Reset deletes the buckets matching the glob pattern in the JSON body.
func (d *Dispatcher) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxResetBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "invalid request body"})
		return
	}

	deleted, err := d.limiter.Reset(r.Context(), req.Pattern)
	switch {
	case errors.Is(err, rl.ErrEmptyPattern):
		writeJSON(w, http.StatusBadRequest, response{Error: "pattern is required"})
		return
	case err != nil:
		d.logger.Error("Failed to reset rate limit keys", zap.String("pattern", req.Pattern), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Error: "failed to reset rate limit"})
		return
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "Rate limit reset",
		Data:    resetData{Pattern: req.Pattern, Deleted: deleted},
	})
}
