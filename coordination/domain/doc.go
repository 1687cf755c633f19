// Package domain define contratos e tipos de domínio para coordenação entre
// processos: locks distribuídos, rate limit por janela fixa, limite de
// concorrência local e estatísticas de decisão.
//
// Este pacote não depende de Redis nem de net/http. A intenção é permitir
// testes de unidade puros e desacoplar regras de negócio de detalhes de
// infraestrutura.
package domain
