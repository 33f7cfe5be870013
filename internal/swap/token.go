package swap

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// NativeAddress 是原生资产（如 ETH）的哨兵地址，原生资产无需授权。
var NativeAddress = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// Token 描述一个可交易代币。值类型，构造后不再修改。
type Token struct {
	Address  common.Address   `json:"address"`
	Symbol   string           `json:"symbol"`
	Name     string           `json:"name"`
	Decimals uint8            `json:"decimals"`
	PriceUSD *decimal.Decimal `json:"priceUsd,omitempty"`
}

// IsNative 判断代币是否为链的原生资产。
func (t Token) IsNative() bool {
	return t.Address == NativeAddress
}

// IsZero 判断代币是否未设置。
func (t Token) IsZero() bool {
	return t.Address == (common.Address{}) && t.Symbol == ""
}

// Same 通过地址判断是否为同一代币。
func (t Token) Same(other Token) bool {
	return t.Address == other.Address
}

// Direction 表示交易方向。
type Direction string

const (
	// DirectionBuy 使用计价货币购买代币。
	DirectionBuy Direction = "buy"
	// DirectionSell 将代币卖出为计价货币。
	DirectionSell Direction = "sell"
)

// ParseDirection 解析交易方向，大小写不敏感。
func ParseDirection(raw string) (Direction, bool) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case DirectionBuy:
		return DirectionBuy, true
	case DirectionSell:
		return DirectionSell, true
	default:
		return "", false
	}
}

// Leg 标识意图中的卖出侧或买入侧。
type Leg string

const (
	LegFrom Leg = "from"
	LegTo   Leg = "to"
)

// FindToken 在代币列表中按地址查找，地址比较不区分大小写。
func FindToken(tokens []Token, address string) (Token, bool) {
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return Token{}, false
	}
	target := common.HexToAddress(strings.TrimSpace(address))
	for _, token := range tokens {
		if token.Address == target {
			return token, true
		}
	}
	return Token{}, false
}
