package swap

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxUint256 是 ERC20 授权可表示的最大额度。
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

const (
	// maxUnitDigits 是 uint256 十进制表示的位数。
	maxUnitDigits = 78
	// maxInputDigits 限制用户输入的有效数字位数。
	maxInputDigits = 128
)

// ParseAmount 解析用户输入的十进制金额，要求为有限正数。
func ParseAmount(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, UserInputError("请输入兑换数量")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, UserInputError("兑换数量不是合法数字: " + trimmed)
	}
	if !value.IsPositive() {
		return decimal.Zero, UserInputError("兑换数量必须大于 0")
	}
	if value.NumDigits() > maxInputDigits {
		return decimal.Zero, UserInputError("兑换数量位数过多")
	}
	return value, nil
}

// ToSmallestUnit 将人类可读金额按代币精度转换为最小单位，超出精度的部分截断。
func ToSmallestUnit(raw string, decimals uint8) (*big.Int, error) {
	value, err := ParseAmount(raw)
	if err != nil {
		return nil, err
	}
	// 先按位数判断量级，避免为超大或超小的指数构造巨型整数。
	intDigits := int64(value.NumDigits()) + int64(value.Exponent()) + int64(decimals)
	if intDigits > maxUnitDigits {
		return nil, UserInputError("兑换数量超出代币可表示范围")
	}
	if intDigits <= 0 {
		return nil, UserInputError("兑换数量低于代币最小精度")
	}
	units := value.Shift(int32(decimals)).Truncate(0).BigInt()
	if units.Sign() <= 0 {
		return nil, UserInputError("兑换数量低于代币最小精度")
	}
	if units.Cmp(MaxUint256) > 0 {
		return nil, UserInputError("兑换数量超出代币可表示范围")
	}
	return units, nil
}

// FromSmallestUnit 将最小单位金额转换为十进制字符串。
func FromSmallestUnit(units *big.Int, decimals uint8) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -int32(decimals)).String()
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
