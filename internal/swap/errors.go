package swap

import (
	xerrors "swap-engine/internal/errors"
)

const (
	// CodeUserInput 表示用户输入非法，请求不会到达网络层。
	CodeUserInput xerrors.Code = "USER_INPUT"
	// CodeNetwork 表示聚合器或 RPC 通信失败。
	CodeNetwork xerrors.Code = "NETWORK"
	// CodeAllowance 表示授权额度查询失败，按需要授权处理。
	CodeAllowance xerrors.Code = "ALLOWANCE"
	// CodeOnChain 表示链上交易失败。
	CodeOnChain xerrors.Code = "ON_CHAIN"
	// CodeState 表示当前状态不允许该操作。
	CodeState xerrors.Code = "STATE"
)

// 网络错误子类别。
const (
	NetworkTimeout           = "timeout"
	NetworkRateLimited       = "rate_limited"
	NetworkInvalidRequest    = "invalid_request"
	NetworkUnauthorized      = "unauthorized"
	NetworkServer            = "server"
	NetworkMalformedResponse = "malformed_response"
	NetworkTransport         = "transport"
)

func init() {
	xerrors.Register(CodeUserInput, xerrors.Attributes{
		Message:   "输入参数不合法",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
	xerrors.Register(CodeNetwork, xerrors.Attributes{
		Message:   "网络请求失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeAllowance, xerrors.Attributes{
		Message:   "授权额度查询失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeOnChain, xerrors.Attributes{
		Message:   "链上交易失败",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
	})
	xerrors.Register(CodeState, xerrors.Attributes{
		Message:   "当前状态不允许该操作",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
}

// UserInputError 构造用户输入错误。
func UserInputError(message string) error {
	return xerrors.New(CodeUserInput, message)
}

// NetworkError 构造带子类别的网络错误。
func NetworkError(subKind string, cause error, message string) error {
	opts := []xerrors.Option{xerrors.WithSubKind(subKind)}
	switch subKind {
	case NetworkInvalidRequest, NetworkUnauthorized:
		opts = append(opts, xerrors.WithRetryable(false))
	}
	if cause == nil {
		return xerrors.New(CodeNetwork, message, opts...)
	}
	return xerrors.Wrap(CodeNetwork, cause, message, opts...)
}

// AllowanceError 构造授权查询错误。
func AllowanceError(cause error, message string) error {
	return xerrors.Wrap(CodeAllowance, cause, message)
}

// OnChainError 构造链上错误，子类别为失败分类。
func OnChainError(category FailureCategory, message string) error {
	return xerrors.New(CodeOnChain, message, xerrors.WithSubKind(string(category)))
}

// StateError 构造状态错误。
func StateError(message string) error {
	return xerrors.New(CodeState, message)
}
