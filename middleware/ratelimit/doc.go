// Package ratelimit fornece adapters HTTP (net/http) para rate limit e limite de concorrência.
//
// Camadas:
//
//   - coordination/domain: contratos e tipos (sem dependência de net/http)
//   - coordination/application: casos de uso (decisão allow/deny, acquire/timeout)
//   - coordination/infra: janela fixa no Redis, token bucket local, semáforo
//   - ratelimit (este pacote): middlewares HTTP, extração de chave e tradução para status/headers
//
// Fluxo na API:
//
//  1. Extrai a chave do cliente (header, XFF ou RemoteAddr)
//  2. Pré-filtro local opcional (token bucket em memória)
//  3. Janela fixa distribuída no Redis via application.Service
//  4. Se bloqueado, responde 429 com Retry-After; senão chama o próximo handler
package ratelimit
