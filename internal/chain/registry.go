package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]*Client
}

// RegistryConfig points at the chain definition file with an optional
// single-endpoint fallback.
type RegistryConfig struct {
	DefinitionsPath string
	DefaultChain    string
	RPCURL          string
	ChainID         int64
}

// NewRegistry loads chain definitions and dials every endpoint.
func NewRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	defs, err := LoadDefinitions(cfg.DefinitionsPath)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]*Client)
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		client, err := NewClient(ctx, Config{
			Name:    name,
			RPCURL:  def.RPCURL,
			ChainID: def.ChainID,
			Notes:   def.Description,
		})
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if defaultChain == "" {
		defaultChain = strings.TrimSpace(defs.Default)
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := NewClient(ctx, Config{Name: "default", RPCURL: cfg.RPCURL, ChainID: cfg.ChainID})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return newRegistry(defaultChain, clients)
}

func newRegistry(defaultChain string, clients map[string]*Client) (*Registry, error) {
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

func closeAll(clients map[string]*Client) {
	for _, client := range clients {
		client.Close()
	}
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (*Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (*Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		client.Close()
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
