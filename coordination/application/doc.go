// Package application contém os casos de uso de coordenação: decisão de rate
// limit, seções críticas protegidas por lock distribuído e aquisição de vagas
// de concorrência.
//
// Ele depende apenas do pacote domain e não conhece Redis nem net/http.
// Ex.: Service.Decide(ctx, key, policy) retorna uma Decision (allow/deny + retry-after).
package application
