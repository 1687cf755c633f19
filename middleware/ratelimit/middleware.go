package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"reservation-engine/coordination/application"
	"reservation-engine/coordination/domain"
	"reservation-engine/logger"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	// Service decide com a janela fixa distribuída; Policy.Action separa os
	// contadores de cada grupo de rotas.
	Service application.Service
	Policy  domain.Policy

	// Local é o pré-filtro em memória (opcional).
	Local domain.LimiterStore

	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool
	RejectStatus       int

	// FailOpen deixa a requisição passar quando o Redis está fora.
	FailOpen bool
	Log      *logger.Logger
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// RouteLabel reduz a requisição a método + dois primeiros segmentos do path
// ("POST /v1/reservations"), sem ids.
func RouteLabel(r *http.Request) string {
	segs := strings.SplitN(strings.Trim(r.URL.Path, "/"), "/", 3)
	if len(segs) > 2 {
		segs = segs[:2]
	}
	return r.Method + " /" + strings.Join(segs, "/")
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.Policy.Action == "" {
		opts.Policy.Action = "http"
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)

			if opts.Local != nil && !opts.Local.Get(domain.Key(key)).Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}

			policy := opts.Policy
			policy.Route = RouteLabel(r)
			dec, err := opts.Service.Decide(r.Context(), domain.Key(key), policy)
			if err != nil {
				opts.Log.Error("rate limit decision failed", "key", key, "action", opts.Policy.Action, "error", err)
				if opts.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}

			if opts.Policy.Max > 0 {
				h := w.Header()
				h.Set("X-RateLimit-Limit", formatInt(opts.Policy.Max))
				h.Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
				h.Set("X-RateLimit-Reset", formatInt(dec.ResetTime.Unix()))
			}
			if !dec.Allowed {
				opts.Log.Debug("request throttled", "key", key, "action", opts.Policy.Action, "path", r.URL.Path)
				w.Header().Set("Retry-After", retryAfterSeconds(dec.RetryAfter))
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
