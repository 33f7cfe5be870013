package api

import (
	"fmt"
	"math/big"
	"strings"

	"swap-engine/internal/orchestrator"
	"swap-engine/internal/swap"

	"github.com/ethereum/go-ethereum/common"
)

// eventRequest 是 POST /api/v1/swap/events 的请求体。
type eventRequest struct {
	Type      string         `json:"type"`
	Direction string         `json:"direction,omitempty"`
	Leg       string         `json:"leg,omitempty"`
	Token     string         `json:"token,omitempty"`
	Amount    string         `json:"amount,omitempty"`
	Spender   string         `json:"spender,omitempty"`
	Address   string         `json:"address,omitempty"`
	Intent    *intentRequest `json:"intent,omitempty"`
}

type intentRequest struct {
	Direction   string `json:"direction"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	SlippageBps uint32 `json:"slippageBps,omitempty"`
}

// toEvent 把请求解析为编排器事件，代币地址从已加载的代币列表中解析。
func (req eventRequest) toEvent(tokens []swap.Token) (orchestrator.Event, error) {
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "load_tokens":
		return orchestrator.LoadTokens{}, nil
	case "set_direction":
		dir, ok := swap.ParseDirection(req.Direction)
		if !ok {
			return nil, swap.UserInputError("未知的交易方向: " + req.Direction)
		}
		return orchestrator.SetDirection{Direction: dir}, nil
	case "select_token":
		token, err := lookupToken(tokens, req.Token)
		if err != nil {
			return nil, err
		}
		return orchestrator.SelectToken{Leg: swap.Leg(strings.ToLower(req.Leg)), Token: token}, nil
	case "set_amount":
		return orchestrator.SetAmount{Amount: req.Amount}, nil
	case "request_quote":
		if req.Intent == nil {
			return orchestrator.RequestQuote{}, nil
		}
		intent, err := req.Intent.toIntent(tokens)
		if err != nil {
			return nil, err
		}
		return orchestrator.RequestQuote{Intent: &intent}, nil
	case "approve":
		ev := orchestrator.Approve{}
		if req.Token != "" {
			addr, err := parseAddress(req.Token)
			if err != nil {
				return nil, err
			}
			ev.Token = addr
		}
		if req.Spender != "" {
			addr, err := parseAddress(req.Spender)
			if err != nil {
				return nil, err
			}
			ev.Spender = addr
		}
		if req.Amount != "" {
			amount, ok := new(big.Int).SetString(req.Amount, 10)
			if !ok || amount.Sign() <= 0 {
				return nil, swap.UserInputError("授权数量必须是正整数（最小单位）")
			}
			ev.Amount = amount
		}
		return ev, nil
	case "confirm_swap":
		return orchestrator.ConfirmSwap{}, nil
	case "refresh_balances":
		ev := orchestrator.RefreshBalances{}
		if req.Address != "" {
			addr, err := parseAddress(req.Address)
			if err != nil {
				return nil, err
			}
			ev.Address = addr
		}
		return ev, nil
	case "reset":
		return orchestrator.Reset{}, nil
	default:
		return nil, swap.UserInputError(fmt.Sprintf("未知的事件类型: %q", req.Type))
	}
}

func (req intentRequest) toIntent(tokens []swap.Token) (swap.Intent, error) {
	dir, ok := swap.ParseDirection(req.Direction)
	if !ok {
		return swap.Intent{}, swap.UserInputError("未知的交易方向: " + req.Direction)
	}
	from, err := lookupToken(tokens, req.From)
	if err != nil {
		return swap.Intent{}, err
	}
	to, err := lookupToken(tokens, req.To)
	if err != nil {
		return swap.Intent{}, err
	}
	return swap.Intent{Direction: dir, From: &from, To: &to, Amount: req.Amount, SlippageBps: req.SlippageBps}, nil
}

func lookupToken(tokens []swap.Token, address string) (swap.Token, error) {
	if strings.TrimSpace(address) == "" {
		return swap.Token{}, swap.UserInputError("缺少代币地址")
	}
	token, ok := swap.FindToken(tokens, address)
	if !ok {
		return swap.Token{}, swap.UserInputError("未找到代币: " + address)
	}
	return token, nil
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, swap.UserInputError("无效的地址: " + raw)
	}
	return common.HexToAddress(raw), nil
}
