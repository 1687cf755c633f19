// Package idempotency repete a resposta gravada quando o cliente reenvia uma
// requisição com o mesmo Idempotency-Key.
//
// A primeira requisição reserva a chave com SET NX; enquanto ela roda, as
// repetições recebem 409. A reserva expira em ClaimTTL, então um processo
// que morre no meio não trava a chave por um dia. Respostas 2xx ficam
// gravadas no cache temporário por TTL; qualquer outro status libera a chave.
package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"reservation-engine/cache"
	"reservation-engine/logger"
)

const (
	DefaultHeader = "Idempotency-Key"
	DefaultTTL    = 24 * time.Hour

	// DefaultClaimTTL acompanha o WriteTimeout do servidor.
	DefaultClaimTTL = 30 * time.Second

	ReplayedHeader = "Idempotent-Replayed"
)

type CachedResponse struct {
	Pending    bool        `json:"pending,omitempty"`
	StatusCode int         `json:"statusCode,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

type Store interface {
	Get(ctx context.Context, key string) (*CachedResponse, error)
	// Claim reserva a chave; false quando outra requisição chegou antes.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, resp *CachedResponse, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// CacheStore guarda as respostas em temp:idempotency:{key}.
type CacheStore struct {
	Cache *cache.Cache
}

func storeKey(key string) string { return "idempotency:" + key }

func (s CacheStore) Get(ctx context.Context, key string) (*CachedResponse, error) {
	return cache.GetTempData[CachedResponse](ctx, s.Cache, storeKey(key))
}

func (s CacheStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.Cache.SetTempDataNX(ctx, storeKey(key), CachedResponse{Pending: true, CreatedAt: time.Now().UTC()}, ttl)
}

func (s CacheStore) Set(ctx context.Context, key string, resp *CachedResponse, ttl time.Duration) error {
	return s.Cache.SetTempData(ctx, storeKey(key), resp, ttl)
}

func (s CacheStore) Release(ctx context.Context, key string) error {
	_, err := s.Cache.DeleteTempData(ctx, storeKey(key))
	return err
}

type Options struct {
	Store  Store
	Header string
	TTL    time.Duration

	// ClaimTTL vale só para a reserva pendente, antes de haver resposta.
	ClaimTTL time.Duration
	Log      *logger.Logger
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (rc *responseCapture) WriteHeader(statusCode int) {
	rc.statusCode = statusCode
	rc.ResponseWriter.WriteHeader(statusCode)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

func Middleware(opts Options) func(http.Handler) http.Handler {
	if opts.Header == "" {
		opts.Header = DefaultHeader
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(opts.Header)
			if header == "" || opts.Store == nil {
				next.ServeHTTP(w, r)
				return
			}
			// a mesma chave em rotas diferentes não colide
			key := r.Method + ":" + r.URL.Path + ":" + header
			ctx := r.Context()

			if replayed := replay(ctx, w, opts, key); replayed {
				return
			}

			claimed, err := opts.Store.Claim(ctx, key, opts.ClaimTTL)
			if err != nil {
				// sem cache a requisição segue sem proteção de replay
				opts.Log.Warn("idempotency claim failed", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !claimed {
				if replay(ctx, w, opts, key) {
					return
				}
				http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK, body: &bytes.Buffer{}}
			next.ServeHTTP(capture, r)

			// contexto próprio: o cliente pode ter desconectado
			storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if capture.statusCode < 200 || capture.statusCode >= 300 {
				if err := opts.Store.Release(storeCtx, key); err != nil {
					opts.Log.Warn("idempotency release failed", "key", key, "error", err)
				}
				return
			}
			resp := &CachedResponse{
				StatusCode: capture.statusCode,
				Headers:    w.Header().Clone(),
				Body:       capture.body.Bytes(),
				CreatedAt:  time.Now().UTC(),
			}
			if err := opts.Store.Set(storeCtx, key, resp, opts.TTL); err != nil {
				opts.Log.Warn("idempotency store failed", "key", key, "error", err)
			}
		})
	}
}

// replay escreve a resposta gravada, se houver. Uma reserva pendente responde 409.
func replay(ctx context.Context, w http.ResponseWriter, opts Options, key string) bool {
	cached, err := opts.Store.Get(ctx, key)
	if err != nil {
		opts.Log.Warn("idempotency lookup failed", "key", key, "error", err)
		return false
	}
	if cached == nil {
		return false
	}
	if cached.Pending {
		http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
		return true
	}
	for k, values := range cached.Headers {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
	return true
}
