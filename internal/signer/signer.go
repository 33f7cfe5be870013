package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 是不透明的签名能力，引擎从不接触私钥本身。
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error)
}

// KeySigner 使用内存中的 ECDSA 私钥签名交易。
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner 创建基于私钥的签名器。
func NewKeySigner(key *ecdsa.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, errors.New("未提供签名私钥")
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// FromHex 从十六进制私钥创建签名器，允许 0x 前缀。
func FromHex(hexKey string) (*KeySigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, errors.New("未配置钱包私钥")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("解析钱包私钥失败: %w", err)
	}
	return NewKeySigner(key)
}

// Address 返回签名地址。
func (s *KeySigner) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// SignTx 按链 ID 选择最新签名规则对交易签名。
func (s *KeySigner) SignTx(ctx context.Context, tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("签名器未初始化")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chainID == nil {
		return nil, errors.New("签名需要链 ID")
	}
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}
