package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"swap-engine/internal/allowance"
	"swap-engine/internal/api"
	"swap-engine/internal/balance"
	"swap-engine/internal/chain"
	"swap-engine/internal/config"
	"swap-engine/internal/executor"
	"swap-engine/internal/history"
	"swap-engine/internal/metrics"
	"swap-engine/internal/notify"
	"swap-engine/internal/orchestrator"
	"swap-engine/internal/signer"
	"swap-engine/pkg/logger"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动兑换引擎与 HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) (err error) {
	log := logger.Named("swapd")
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && err == nil {
			err = syncErr
		}
	}()

	wallet, err := signer.FromHex(cfg.Wallet.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w（可通过 SWAPD_WALLET_PRIVATE_KEY 提供）", err)
	}

	registry, err := chain.NewRegistry(ctx, chain.RegistryConfig{
		DefinitionsPath: cfg.Chain.DefinitionsPath,
		DefaultChain:    cfg.Chain.Default,
		RPCURL:          cfg.Chain.RPCURL,
		ChainID:         cfg.Chain.ChainID,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	client, err := registry.DefaultClient()
	if err != nil {
		return err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return err
	}

	reg := metrics.New()

	quoter, err := newQuoteClient(cfg, chainID.Int64())
	if err != nil {
		return err
	}
	tokens, err := newTokenSource(cfg, quoter)
	if err != nil {
		return err
	}
	allowances, err := allowance.NewManager(client)
	if err != nil {
		return err
	}
	exec, err := executor.New(client,
		executor.WithReceiptTimeout(cfg.Swap.ReceiptTimeout),
		executor.WithPollInterval(cfg.Swap.PollInterval),
	)
	if err != nil {
		return err
	}

	fetcher, err := balance.NewChainFetcher(client, tokens, cfg.Balance.Concurrency)
	if err != nil {
		return err
	}
	store, err := newBalanceStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(store)
	balances, err := balance.NewCache(fetcher,
		balance.WithStore(store),
		balance.WithTTL(cfg.Balance.TTL),
		balance.WithRefreshInterval(cfg.Balance.RefreshInterval),
		balance.WithRecorder(reg),
	)
	if err != nil {
		return err
	}

	repo, err := newHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQuietly(repo)
	sinks := []orchestrator.OutcomeSink{history.NewSink(repo, wallet.Address())}

	publisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
		sinks = append(sinks, notify.NewSink(publisher, wallet.Address()))
	}

	opts := []orchestrator.Option{
		orchestrator.WithDebounce(cfg.Swap.Debounce),
		orchestrator.WithApprovalGrace(cfg.Swap.ApprovalGrace),
		orchestrator.WithPollInterval(cfg.Swap.PollInterval),
		orchestrator.WithPollTimeout(cfg.Swap.PollTimeout),
		orchestrator.WithBalanceSettleDelay(cfg.Swap.BalanceSettleDelay),
		orchestrator.WithSlippage(cfg.Swap.SlippageBps),
	}
	if cfg.Swap.QuoteCurrency != "" {
		list, err := tokens.ListTradableTokens(ctx)
		if err != nil {
			return fmt.Errorf("加载计价代币失败: %w", err)
		}
		token, err := resolveToken(list, cfg.Swap.QuoteCurrency)
		if err != nil {
			return err
		}
		opts = append(opts, orchestrator.WithQuoteCurrency(token))
	}

	engine, err := orchestrator.New(orchestrator.Dependencies{
		Tokens:    tokens,
		Quoter:    quoter,
		Allowance: allowances,
		Executor:  exec,
		Balances:  balances,
		Signer:    wallet,
		Sinks:     sinks,
		Metrics:   reg,
	}, opts...)
	if err != nil {
		return err
	}

	authService, err := newAuthService(cfg)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address, engine,
		api.WithAuth(authService),
		api.WithHistory(repo),
		api.WithMetrics(reg),
		api.WithDispatchTimeout(cfg.Server.DispatchTimeout),
	)

	log.Info("swapd 启动",
		slog.String("chain", client.Name()),
		slog.Int64("chain_id", chainID.Int64()),
		slog.String("wallet", wallet.Address().Hex()),
		slog.String("addr", cfg.Server.Address),
	)
	color.Green("swapd 已启动: 钱包 %s, API %s", wallet.Address().Hex(), cfg.Server.Address)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		balances.Start(gctx)
		return nil
	})
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		if err := engine.Dispatch(gctx, orchestrator.LoadTokens{}); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("初始加载代币失败", slog.Any("error", err))
		}
		if err := engine.Dispatch(gctx, orchestrator.RefreshBalances{}); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("初始刷新余额失败", slog.Any("error", err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("swapd 已停止", slog.String("last_status", engine.State().Status.String()))
	return nil
}
