package swap

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	// DefaultSlippageBps 是未指定时使用的滑点容忍度（0.5%）。
	DefaultSlippageBps = 50
	// MaxSlippageBps 对应 100% 滑点。
	MaxSlippageBps = 10_000
)

// Intent 描述用户的兑换意图。
type Intent struct {
	Direction   Direction `json:"direction"`
	From        *Token    `json:"from,omitempty"`
	To          *Token    `json:"to,omitempty"`
	Amount      string    `json:"amount"`
	SlippageBps uint32    `json:"slippageBps"`
}

// Clone 返回意图的深拷贝。
func (i Intent) Clone() Intent {
	out := i
	if i.From != nil {
		from := *i.From
		out.From = &from
	}
	if i.To != nil {
		to := *i.To
		out.To = &to
	}
	return out
}

// Complete 判断意图是否已填写完整，不做合法性校验。
func (i Intent) Complete() bool {
	return i.From != nil && i.To != nil && strings.TrimSpace(i.Amount) != ""
}

// Validate 在发起任何网络请求前校验意图，返回卖出数量的最小单位表示。
func (i Intent) Validate() (*big.Int, error) {
	if i.From == nil || i.To == nil {
		return nil, UserInputError("请选择需要兑换的两种代币")
	}
	if i.From.Same(*i.To) {
		return nil, UserInputError("不能兑换相同的代币")
	}
	if i.SlippageBps > MaxSlippageBps {
		return nil, UserInputError(fmt.Sprintf("滑点不能超过 %d bps", MaxSlippageBps))
	}
	return ToSmallestUnit(i.Amount, i.From.Decimals)
}
