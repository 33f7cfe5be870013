package balance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// BalanceReader 查询单个代币余额，*chain.Client 实现了该接口。
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// TokenLister 提供需要查询余额的代币。
type TokenLister interface {
	ListTradableTokens(ctx context.Context) ([]swap.Token, error)
}

// ChainFetcher 并发查询代币列表中每个代币的余额。
type ChainFetcher struct {
	reader      BalanceReader
	tokens      TokenLister
	concurrency int
}

// NewChainFetcher 创建链上余额查询器。
func NewChainFetcher(reader BalanceReader, tokens TokenLister, concurrency int) (*ChainFetcher, error) {
	if reader == nil || tokens == nil {
		return nil, errors.New("余额查询器缺少依赖")
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &ChainFetcher{reader: reader, tokens: tokens, concurrency: concurrency}, nil
}

// Fetch 返回 owner 的余额快照，任一代币查询失败即整体失败。
func (f *ChainFetcher) Fetch(ctx context.Context, owner common.Address) (*swap.BalanceSnapshot, error) {
	tokens, err := f.tokens.ListTradableTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取代币列表失败: %w", err)
	}

	var mu sync.Mutex
	balances := make(map[common.Address]*big.Int, len(tokens))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(f.concurrency)
	for _, token := range tokens {
		token := token
		group.Go(func() error {
			amount, err := f.reader.BalanceOf(gctx, token.Address, owner)
			if err != nil {
				return fmt.Errorf("查询 %s 余额失败: %w", token.Symbol, err)
			}
			mu.Lock()
			balances[token.Address] = amount
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return &swap.BalanceSnapshot{Owner: owner, Balances: balances, FetchedAt: time.Now().UTC()}, nil
}
