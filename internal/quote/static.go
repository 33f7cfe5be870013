package quote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"swap-engine/internal/swap"

	"gopkg.in/yaml.v3"
)

// TokenSource 定义代币元数据来源。
type TokenSource interface {
	ListTradableTokens(ctx context.Context) ([]swap.Token, error)
}

// StaticTokenSource 从 YAML 文件提供固定的代币列表。
type StaticTokenSource struct {
	tokens []swap.Token
}

// NewStaticTokenSource 使用给定代币创建静态来源。
func NewStaticTokenSource(tokens []swap.Token) *StaticTokenSource {
	return &StaticTokenSource{tokens: append([]swap.Token(nil), tokens...)}
}

// LoadStaticTokenSource 从 YAML 文件加载代币列表。
func LoadStaticTokenSource(path string) (*StaticTokenSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("代币列表文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析代币列表路径失败: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取代币列表文件失败: %w", err)
	}

	var doc struct {
		Tokens []tokenItem `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析代币列表文件失败: %w", err)
	}

	tokens := make([]swap.Token, 0, len(doc.Tokens))
	for _, item := range doc.Tokens {
		token, err := item.toToken()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return NewStaticTokenSource(tokens), nil
}

// ListTradableTokens 返回代币列表的副本。
func (s *StaticTokenSource) ListTradableTokens(ctx context.Context) ([]swap.Token, error) {
	if s == nil {
		return nil, fmt.Errorf("代币列表未初始化")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]swap.Token(nil), s.tokens...), nil
}

var (
	_ TokenSource = (*StaticTokenSource)(nil)
	_ TokenSource = (*Client)(nil)
)
