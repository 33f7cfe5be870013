package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swap-engine/internal/swap"
)

func newTokensCommand(root *rootOptions) *cobra.Command {
	var symbol string
	cmd := &cobra.Command{
		Use:     "tokens",
		Aliases: []string{"list-tokens", "ls"},
		Short:   "列出可交易代币",
		Args:    cobra.NoArgs,
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
				s.Suffix = " 正在获取代币列表..."
				s.Start()
			}
			tokens, err := source.ListTradableTokens(cmd.Context())
			if !root.jsonOutput {
				s.Stop()
			}
			if err != nil {
				return err
			}

			tokens = filterTokens(tokens, symbol)
			if root.jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(tokens)
			}
			printTokens(tokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "按符号过滤")
	return cmd
}

func filterTokens(tokens []swap.Token, symbol string) []swap.Token {
	filtered := make([]swap.Token, 0, len(tokens))
	for _, token := range tokens {
		if symbol != "" && !strings.EqualFold(token.Symbol, symbol) {
			continue
		}
		filtered = append(filtered, token)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return strings.ToUpper(filtered[i].Symbol) < strings.ToUpper(filtered[j].Symbol)
	})
	return filtered
}

func printTokens(tokens []swap.Token) {
	if len(tokens) == 0 {
		color.Yellow("没有匹配的代币")
		return
	}
	bold := color.New(color.Bold)
	bold.Printf("%-10s %-44s %8s  %s\n", "SYMBOL", "ADDRESS", "DECIMALS", "PRICE(USD)")
	for _, token := range tokens {
		price := "-"
		if token.PriceUSD != nil {
			price = token.PriceUSD.StringFixed(4)
		}
		fmt.Printf("%-10s %-44s %8d  %s\n", color.CyanString(token.Symbol), token.Address.Hex(), token.Decimals, price)
	}
	fmt.Printf("\n共 %d 个代币\n", len(tokens))
}
