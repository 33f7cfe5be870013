package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	xerrors "swap-engine/internal/errors"
	"swap-engine/internal/signer"
	"swap-engine/internal/swap"
)

func newQuoteCommand(root *rootOptions) *cobra.Command {
	var slippage uint32
	cmd := &cobra.Command{
		Use:   "quote <amount> <from> <to>",
		Short: "查询一次兑换报价",
		Long: `查询一次兑换报价，from/to 可以是代币符号或合约地址。

Examples:
  swapd quote 100 USDC WETH
  swapd quote 0.5 ETH 0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48 --slippage 100`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			client, err := newQuoteClient(cfg, cfg.Chain.ChainID)
			if err != nil {
				return err
			}
			source, err := newTokenSource(cfg, client)
			if err != nil {
				return err
			}

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
			if !root.jsonOutput {
				s.Suffix = " 正在获取报价..."
				s.Start()
			}
			defer s.Stop()

			tokens, err := source.ListTradableTokens(cmd.Context())
			if err != nil {
				return err
			}
			from, err := resolveToken(tokens, args[1])
			if err != nil {
				return err
			}
			to, err := resolveToken(tokens, args[2])
			if err != nil {
				return err
			}
			intent := swap.Intent{From: &from, To: &to, Amount: args[0]}
			amount, err := intent.Validate()
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("slippage") {
				slippage = cfg.Swap.SlippageBps
			}
			taker := common.Address{}
			if cfg.Wallet.PrivateKey != "" {
				if wallet, err := signer.FromHex(cfg.Wallet.PrivateKey); err == nil {
					taker = wallet.Address()
				}
			}

			q, err := client.GetQuote(cmd.Context(), swap.QuoteRequest{
				SellToken:       from,
				BuyToken:        to,
				SellAmount:      amount,
				SlippageBps:     slippage,
				Taker:           taker,
				WantRouteInfo:   true,
				WantGasEstimate: true,
			})
			s.Stop()
			if err != nil {
				return fmt.Errorf("报价失败 [%s]: %w", xerrors.CodeOf(err), err)
			}

			if root.jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(q)
			}
			printQuote(q)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&slippage, "slippage", 0, "滑点（基点），默认取配置")
	return cmd
}

func printQuote(q *swap.Quote) {
	fmt.Println()
	color.Green("%s %s → %s %s",
		swap.FromSmallestUnit(q.FromAmount, q.SellToken.Decimals), q.SellToken.Symbol,
		swap.FromSmallestUnit(q.ToAmount, q.BuyToken.Decimals), q.BuyToken.Symbol,
	)
	fmt.Printf("  授权地址:   %s\n", q.Spender.Hex())
	fmt.Printf("  预估 Gas:   %d\n", q.EstimatedGas)
	if q.EstimatedSlippageBps > 0 {
		fmt.Printf("  预估滑点:   %d bps\n", q.EstimatedSlippageBps)
	}
	for _, r := range q.Routes {
		fmt.Printf("  路由:       %s (%s)\n", color.CyanString(r.Source), r.Proportion)
	}
	fmt.Println()
}
