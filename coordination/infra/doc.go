// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisLocker: lock com token de dono (SET NX PX + scripts Lua de check-then-act)
//   - RedisRateLimiter: janela fixa com INCR + PEXPIRE num único script
//   - RedisStatsStore: estatísticas agregadas no Redis (ações, rotas, minutos, infratores)
//   - MemoryStatsStore: resumo do processo servido em GET /stats
//   - MultiStatsStore: grava a mesma decisão em vários destinos
//   - LocalStore: token bucket local por chave usando golang.org/x/time/rate
//   - ChanPool: semáforo simples para limite de concorrência
package infra
