package swap

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// QuoteRequest 是发往聚合器的报价请求。
type QuoteRequest struct {
	SellToken       Token
	BuyToken        Token
	SellAmount      *big.Int
	SlippageBps     uint32
	Taker           common.Address
	WantRouteInfo   bool
	WantGasEstimate bool
}

// Route 描述聚合器返回的一段路由，仅原样回显。
type Route struct {
	Source     string `json:"source"`
	Proportion string `json:"proportion"`
}

// TxData 是聚合器返回的兑换入口调用数据。
type TxData struct {
	To    common.Address `json:"to"`
	Data  []byte         `json:"data"`
	Value *big.Int       `json:"value"`
}

// Quote 是一次报价结果，新的报价会取代旧的报价。
type Quote struct {
	SellToken            Token          `json:"sellToken"`
	BuyToken             Token          `json:"buyToken"`
	FromAmount           *big.Int       `json:"fromAmount"`
	ToAmount             *big.Int       `json:"toAmount"`
	EstimatedGas         uint64         `json:"estimatedGas"`
	GasPrice             *big.Int       `json:"gasPrice"`
	Routes               []Route        `json:"routes,omitempty"`
	Spender              common.Address `json:"spender"`
	Tx                   TxData         `json:"tx"`
	EstimatedSlippageBps uint32         `json:"estimatedSlippageBps"`
	EstimatedDurationSec uint32         `json:"estimatedDurationSec"`
	FetchedAt            time.Time      `json:"fetchedAt"`
}

// Clone 返回报价的深拷贝。
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	out := *q
	out.FromAmount = cloneBig(q.FromAmount)
	out.ToAmount = cloneBig(q.ToAmount)
	out.GasPrice = cloneBig(q.GasPrice)
	if q.Routes != nil {
		out.Routes = append([]Route(nil), q.Routes...)
	}
	out.Tx.Data = append([]byte(nil), q.Tx.Data...)
	out.Tx.Value = cloneBig(q.Tx.Value)
	return &out
}

// AllowanceSnapshot 记录某次检查时的授权额度。
type AllowanceSnapshot struct {
	Token         common.Address `json:"token"`
	Spender       common.Address `json:"spender"`
	Current       *big.Int       `json:"current"`
	Required      *big.Int       `json:"required"`
	NeedsApproval bool           `json:"needsApproval"`
}

// Clone 返回授权快照的深拷贝。
func (a *AllowanceSnapshot) Clone() *AllowanceSnapshot {
	if a == nil {
		return nil
	}
	out := *a
	out.Current = cloneBig(a.Current)
	out.Required = cloneBig(a.Required)
	return &out
}

// BalanceSnapshot 是某地址的余额快照，键为代币地址。
type BalanceSnapshot struct {
	Owner     common.Address              `json:"owner"`
	Balances  map[common.Address]*big.Int `json:"balances"`
	FetchedAt time.Time                   `json:"fetchedAt"`
}

// Clone 返回余额快照的深拷贝。
func (b *BalanceSnapshot) Clone() *BalanceSnapshot {
	if b == nil {
		return nil
	}
	out := &BalanceSnapshot{Owner: b.Owner, FetchedAt: b.FetchedAt}
	if b.Balances != nil {
		out.Balances = make(map[common.Address]*big.Int, len(b.Balances))
		for addr, amount := range b.Balances {
			out.Balances[addr] = cloneBig(amount)
		}
	}
	return out
}

// BalanceOf 返回指定代币的余额，不存在时返回 0。
func (b *BalanceSnapshot) BalanceOf(token common.Address) *big.Int {
	if b == nil || b.Balances == nil {
		return new(big.Int)
	}
	if amount, ok := b.Balances[token]; ok && amount != nil {
		return new(big.Int).Set(amount)
	}
	return new(big.Int)
}
