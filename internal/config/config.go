package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 SWAPD_SERVER_ADDRESS。
const EnvPrefix = "SWAPD"

// Config 描述了 swapd 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Swap       SwapConfig       `mapstructure:"swap"`
	Balance    BalanceConfig    `mapstructure:"balance"`
	History    HistoryConfig    `mapstructure:"history"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Tokens     TokensConfig     `mapstructure:"tokens"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

// AuthConfig 控制 API 令牌认证，mode 为 disabled 或 token。
type AuthConfig struct {
	Mode        string             `mapstructure:"mode"`
	Credentials []CredentialConfig `mapstructure:"credentials"`
}

// CredentialConfig 描述一个静态 API 令牌及其权限。
type CredentialConfig struct {
	Name        string   `mapstructure:"name"`
	Token       string   `mapstructure:"token"`
	Permissions []string `mapstructure:"permissions"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level   string      `mapstructure:"level"`
	Format  string      `mapstructure:"format"`
	Outputs []string    `mapstructure:"outputs"`
	Audit   AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制审计日志文件及其轮转。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AggregatorConfig 描述报价聚合器的访问方式。
type AggregatorConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// ChainConfig 指向链定义文件，并允许以单个 RPC 地址兜底。
type ChainConfig struct {
	DefinitionsPath string `mapstructure:"definitions_path"`
	Default         string `mapstructure:"default"`
	RPCURL          string `mapstructure:"rpc_url"`
	ChainID         int64  `mapstructure:"chain_id"`
}

// WalletConfig 只接收外部提供的私钥，本服务不生成也不保存密钥。
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// SwapConfig 汇总编排器的时间参数与交易偏好。
type SwapConfig struct {
	Debounce           time.Duration `mapstructure:"debounce"`
	ApprovalGrace      time.Duration `mapstructure:"approval_grace"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PollTimeout        time.Duration `mapstructure:"poll_timeout"`
	ReceiptTimeout     time.Duration `mapstructure:"receipt_timeout"`
	BalanceSettleDelay time.Duration `mapstructure:"balance_settle_delay"`
	SlippageBps        uint32        `mapstructure:"slippage_bps"`
	QuoteCurrency      string        `mapstructure:"quote_currency"`
}

// BalanceConfig 控制余额缓存。
type BalanceConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Concurrency     int           `mapstructure:"concurrency"`
	Store           string        `mapstructure:"store"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// RedisConfig 是各组件共用的 Redis 连接参数。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// HistoryConfig 选择兑换历史的存储后端：file、mysql 或 postgres。
type HistoryConfig struct {
	Driver          string        `mapstructure:"driver"`
	DataDir         string        `mapstructure:"data_dir"`
	DSN             string        `mapstructure:"dsn"`
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// NotifyConfig 选择兑换结果的通知渠道。
type NotifyConfig struct {
	Driver   string         `mapstructure:"driver"`
	Redis    NotifyRedis    `mapstructure:"redis"`
	RabbitMQ NotifyRabbitMQ `mapstructure:"rabbitmq"`
}

// NotifyRedis 描述 Redis list 通知渠道。
type NotifyRedis struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	List     string `mapstructure:"list"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// NotifyRabbitMQ 描述 RabbitMQ 通知队列。
type NotifyRabbitMQ struct {
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
	Durable bool   `mapstructure:"durable"`
}

// TokensConfig 选择可交易代币列表的来源：aggregator 或 static。
type TokensConfig struct {
	Source string `mapstructure:"source"`
	Path   string `mapstructure:"path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// Load 读取配置文件（可为空）并叠加 SWAPD_* 环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 注册所有键，使 AutomaticEnv 能够覆盖配置文件中缺失的项。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.dispatch_timeout", 10*time.Second)
	v.SetDefault("server.auth.mode", "disabled")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputs", []string{"stdout"})
	v.SetDefault("logging.audit.enabled", false)
	v.SetDefault("logging.audit.path", "")
	v.SetDefault("logging.audit.max_size_mb", 100)
	v.SetDefault("logging.audit.max_backups", 7)
	v.SetDefault("logging.audit.max_age_days", 30)

	v.SetDefault("aggregator.base_url", "")
	v.SetDefault("aggregator.api_key", "")
	v.SetDefault("aggregator.timeout", 10*time.Second)
	v.SetDefault("aggregator.max_attempts", 3)
	v.SetDefault("aggregator.backoff_base", time.Second)

	v.SetDefault("chain.definitions_path", "")
	v.SetDefault("chain.default", "")
	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", 1)

	v.SetDefault("wallet.private_key", "")

	v.SetDefault("swap.debounce", time.Second)
	v.SetDefault("swap.approval_grace", 2*time.Second)
	v.SetDefault("swap.poll_interval", 2*time.Second)
	v.SetDefault("swap.poll_timeout", 10*time.Minute)
	v.SetDefault("swap.receipt_timeout", 2*time.Minute)
	v.SetDefault("swap.balance_settle_delay", 2*time.Second)
	v.SetDefault("swap.slippage_bps", 50)
	v.SetDefault("swap.quote_currency", "")

	v.SetDefault("balance.ttl", 30*time.Second)
	v.SetDefault("balance.refresh_interval", time.Minute)
	v.SetDefault("balance.concurrency", 8)
	v.SetDefault("balance.store", "memory")
	v.SetDefault("balance.redis.address", "")
	v.SetDefault("balance.redis.password", "")
	v.SetDefault("balance.redis.db", 0)
	v.SetDefault("balance.redis.prefix", "swapd:balance")

	v.SetDefault("history.driver", "file")
	v.SetDefault("history.data_dir", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.postgres_dsn", "")
	v.SetDefault("history.max_open_conns", 10)
	v.SetDefault("history.max_idle_conns", 5)
	v.SetDefault("history.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("notify.driver", "none")
	v.SetDefault("notify.redis.address", "")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.redis.list", "swapd:outcomes")
	v.SetDefault("notify.redis.max_len", 1000)
	v.SetDefault("notify.rabbitmq.url", "")
	v.SetDefault("notify.rabbitmq.queue", "swapd.outcomes")
	v.SetDefault("notify.rabbitmq.durable", true)

	v.SetDefault("tokens.source", "aggregator")
	v.SetDefault("tokens.path", "")

	v.SetDefault("runtime.data_dir", "")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，并把相对路径解析到配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")
	c.History.DataDir = resolvePath(c.Runtime.DataDir, c.History.DataDir, "history")

	if c.Chain.DefinitionsPath != "" {
		c.Chain.DefinitionsPath = resolvePath(baseDir, c.Chain.DefinitionsPath, "")
	}
	if c.Tokens.Path != "" {
		c.Tokens.Path = resolvePath(baseDir, c.Tokens.Path, "")
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	} else if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path, "")
	}

	c.Tokens.Source = strings.ToLower(strings.TrimSpace(c.Tokens.Source))
	if c.Tokens.Source == "" {
		c.Tokens.Source = "aggregator"
	}
	if c.History.Driver == "" {
		c.History.Driver = "file"
	}
	if c.Notify.Driver == "" {
		c.Notify.Driver = "none"
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查启动服务所必需的字段。
func (c *Config) Validate() error {
	var errs []error
	if c.Swap.SlippageBps > 10_000 {
		errs = append(errs, fmt.Errorf("swap.slippage_bps 超出范围: %d", c.Swap.SlippageBps))
	}
	switch c.Tokens.Source {
	case "aggregator":
	case "static":
		if c.Tokens.Path == "" {
			errs = append(errs, errors.New("tokens.source=static 时必须提供 tokens.path"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的代币来源: %s", c.Tokens.Source))
	}
	return errors.Join(errs...)
}
