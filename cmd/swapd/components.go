package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"swap-engine/internal/auth"
	"swap-engine/internal/balance"
	"swap-engine/internal/config"
	"swap-engine/internal/history"
	"swap-engine/internal/notify"
	"swap-engine/internal/quote"
	"swap-engine/internal/swap"
)

func newQuoteClient(cfg *config.Config, chainID int64) (*quote.Client, error) {
	return quote.NewClient(quote.Config{
		BaseURL:     cfg.Aggregator.BaseURL,
		APIKey:      cfg.Aggregator.APIKey,
		ChainID:     chainID,
		Timeout:     cfg.Aggregator.Timeout,
		MaxAttempts: cfg.Aggregator.MaxAttempts,
		BackoffBase: cfg.Aggregator.BackoffBase,
	})
}

// newTokenSource 按配置选择聚合器或静态文件作为代币列表来源。
func newTokenSource(cfg *config.Config, client *quote.Client) (quote.TokenSource, error) {
	if cfg.Tokens.Source == "static" {
		return quote.LoadStaticTokenSource(cfg.Tokens.Path)
	}
	return client, nil
}

func newBalanceStore(ctx context.Context, cfg *config.Config) (balance.Store, error) {
	switch strings.ToLower(cfg.Balance.Store) {
	case "", "memory":
		return balance.NewMemoryStore(), nil
	case "redis":
		return balance.NewRedisStore(ctx, balance.RedisStoreConfig{
			Address:  cfg.Balance.Redis.Address,
			Password: cfg.Balance.Redis.Password,
			DB:       cfg.Balance.Redis.DB,
			Prefix:   cfg.Balance.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("未知的余额存储: %s", cfg.Balance.Store)
	}
}

func newHistory(ctx context.Context, cfg *config.Config) (history.Repository, error) {
	return history.New(ctx, history.Config{
		Driver:  cfg.History.Driver,
		DataDir: cfg.History.DataDir,
		MySQL: history.MySQLConfig{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		},
		PostgresDSN: cfg.History.PostgresDSN,
	})
}

func newAuthService(cfg *config.Config) (*auth.Service, error) {
	creds := make([]auth.Credential, 0, len(cfg.Server.Auth.Credentials))
	for _, c := range cfg.Server.Auth.Credentials {
		creds = append(creds, auth.Credential{Name: c.Name, Token: c.Token, Permissions: c.Permissions})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Server.Auth.Mode), Credentials: creds})
}

func newPublisher(cfg *config.Config) (notify.Publisher, error) {
	return notify.New(notify.Config{
		Driver: cfg.Notify.Driver,
		Redis: notify.RedisConfig{
			Address:  cfg.Notify.Redis.Address,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			List:     cfg.Notify.Redis.List,
			MaxLen:   cfg.Notify.Redis.MaxLen,
		},
		RabbitMQ: notify.RabbitMQConfig{
			URL:     cfg.Notify.RabbitMQ.URL,
			Queue:   cfg.Notify.RabbitMQ.Queue,
			Durable: cfg.Notify.RabbitMQ.Durable,
		},
	})
}

// resolveToken 通过地址或符号（不区分大小写）查找代币。
func resolveToken(tokens []swap.Token, ref string) (swap.Token, error) {
	if token, ok := swap.FindToken(tokens, ref); ok {
		return token, nil
	}
	var matches []swap.Token
	for _, token := range tokens {
		if strings.EqualFold(token.Symbol, ref) {
			matches = append(matches, token)
		}
	}
	switch len(matches) {
	case 0:
		return swap.Token{}, fmt.Errorf("未找到代币: %s", ref)
	case 1:
		return matches[0], nil
	default:
		return swap.Token{}, fmt.Errorf("符号 %s 对应多个代币，请使用合约地址", ref)
	}
}

func closeQuietly(v any) {
	if closer, ok := v.(io.Closer); ok {
		_ = closer.Close()
	}
}
