// Package store abre as conexões com o Redis.
//
// São duas conexões lógicas: Cmd para comandos request/response (locks,
// contadores, cache, scripts) e Blocking, reservada para operações que
// seguram a conexão (BRPOP do consumo das filas). Separar os pools evita que
// workers parados num BRPOP esgotem as conexões dos comandos rápidos.
//
// Nada é conectado no import: quem monta o processo chama New e repassa o
// *Client para cada componente.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr     string
	Password string
	DB       int

	PoolSize         int
	BlockingPoolSize int
	DialTimeout      time.Duration
}

type Client struct {
	Cmd      redis.UniversalClient
	Blocking redis.UniversalClient
}

func New(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	base := func(pool int) *redis.Options {
		return &redis.Options{
			Addr:        opts.Addr,
			Password:    opts.Password,
			DB:          opts.DB,
			PoolSize:    pool,
			DialTimeout: opts.DialTimeout,
		}
	}

	return &Client{
		Cmd:      redis.NewClient(base(opts.PoolSize)),
		Blocking: redis.NewClient(base(opts.BlockingPoolSize)),
	}
}

// NewFromClients monta um Client a partir de conexões já existentes (testes).
func NewFromClients(cmd, blocking redis.UniversalClient) *Client {
	if blocking == nil {
		blocking = cmd
	}
	return &Client{Cmd: cmd, Blocking: blocking}
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.Cmd.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping (cmd): %w", err)
	}
	if c.Blocking != c.Cmd {
		if err := c.Blocking.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping (blocking): %w", err)
		}
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	err := c.Cmd.Close()
	if c.Blocking != nil && c.Blocking != c.Cmd {
		err = errors.Join(err, c.Blocking.Close())
	}
	return err
}
