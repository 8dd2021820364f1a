package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	Market     string      `mapstructure:"market"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制传输层重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// EngineConfig 控制执行引擎的调度行为。
type EngineConfig struct {
	MaxConcurrentPlans int           `mapstructure:"max_concurrent_plans"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	LegRetries         int           `mapstructure:"leg_retries"`
	RetryMinDelay      time.Duration `mapstructure:"retry_min_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Market == "" {
		err = multierr.Append(err, errors.New("exchange.market 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Engine.MaxConcurrentPlans <= 0 {
		err = multierr.Append(err, errors.New("engine.max_concurrent_plans 必须大于0"))
	}
	if c.Engine.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("engine.poll_interval 必须大于0"))
	}
	if c.Engine.LegRetries < 0 {
		err = multierr.Append(err, errors.New("engine.leg_retries 不能为负"))
	}
	if c.Engine.RetryMinDelay <= 0 || c.Engine.RetryMaxDelay <= 0 {
		err = multierr.Append(err, errors.New("engine.retry_delay 必须为正"))
	}
	if c.Engine.RetryMinDelay > c.Engine.RetryMaxDelay {
		err = multierr.Append(err, errors.New("engine.retry_min_delay 不能大于 retry_max_delay"))
	}
	if c.Engine.ShutdownTimeout < 0 {
		err = multierr.Append(err, errors.New("engine.shutdown_timeout 不能为负"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[1,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
