// Package config 负责加载 arbiter 的 YAML 配置。
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"deqinarbiter/backend"
	"deqinarbiter/log"
)

// 默认值，与 supervision 常量保持一致。
const (
	DefaultTick           = 2 * time.Second
	DefaultGracePeriod    = 5 * time.Second
	DefaultActorTimeout   = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultMinNotify      = 3 * time.Second
	DefaultMaxNotify      = 30 * time.Second
	DefaultNotifyRatio    = 0.3
	DefaultSpawnRate      = 10
	DefaultSpawnFailures  = 5
)

// Config 是配置文件的顶层结构。
type Config struct {
	// Log 日志配置
	Log log.Config `yaml:"log"`
	// Arbiter arbiter 配置
	Arbiter Arbiter `yaml:"arbiter"`
	// Monitors 启动时创建的 monitor
	Monitors []Monitor `yaml:"monitors"`
}

// Arbiter 是 arbiter 与 supervision 循环的配置。
type Arbiter struct {
	// MailboxAddr 邮箱服务器监听地址
	MailboxAddr string `yaml:"mailbox_addr"`
	// ControlAddr gRPC 控制面地址，为空则不启动
	ControlAddr string `yaml:"control_addr"`
	// MetricsAddr 指标 HTTP 地址，为空则不启动
	MetricsAddr string `yaml:"metrics_addr"`
	// Tick supervision 周期
	Tick time.Duration `yaml:"tick"`
	// GracePeriod STOPPING 到 TERMINATING 的宽限期，也是握手期限
	GracePeriod time.Duration `yaml:"grace_period"`
	// ActorTimeout 默认心跳超时
	ActorTimeout time.Duration `yaml:"actor_timeout"`
	// RequestTimeout 默认请求超时
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MinNotify 心跳间隔下限
	MinNotify time.Duration `yaml:"min_notify"`
	// MaxNotify 心跳间隔上限
	MaxNotify time.Duration `yaml:"max_notify"`
	// NotifyRatio 心跳间隔占超时的比例
	NotifyRatio float64 `yaml:"notify_ratio"`
	// SpawnRate 每个池每秒最多启动的 Actor 数
	SpawnRate int `yaml:"spawn_rate"`
	// SpawnFailures 连续启动失败多少次后暂停启动
	SpawnFailures int `yaml:"spawn_failures"`
	// JournalPath 生命周期日志文件，为空则不记录
	JournalPath string `yaml:"journal_path"`
}

// Monitor 是一个 Actor 池的配置。
type Monitor struct {
	// Name monitor 名称，也是其身份
	Name string `yaml:"name"`
	// Workers 目标 Actor 数
	Workers int `yaml:"workers"`
	// Concurrency 并发类型：thread 或 process
	Concurrency string `yaml:"concurrency"`
	// Timeout 覆盖 arbiter 的心跳超时
	Timeout time.Duration `yaml:"timeout"`
	// GracePeriod 覆盖 arbiter 的宽限期
	GracePeriod time.Duration `yaml:"grace_period"`
	// Behavior 池中 Actor 启动后执行的行为
	Behavior string `yaml:"behavior"`
	// Commands 池中 Actor 额外接受的命令，为空表示全部
	Commands []string `yaml:"commands"`
	// Params 传给行为的参数
	Params map[string]any `yaml:"params"`
}

// Default 返回全部字段取默认值的配置。
func Default() *Config {
	return &Config{Log: log.DefaultConfig(), Arbiter: Arbiter{}.WithDefaults()}
}

// WithDefaults 为零值字段填充默认值。
func (a Arbiter) WithDefaults() Arbiter {
	if a.MailboxAddr == "" {
		a.MailboxAddr = "127.0.0.1:0"
	}
	if a.Tick <= 0 {
		a.Tick = DefaultTick
	}
	if a.GracePeriod <= 0 {
		a.GracePeriod = DefaultGracePeriod
	}
	if a.ActorTimeout <= 0 {
		a.ActorTimeout = DefaultActorTimeout
	}
	if a.RequestTimeout <= 0 {
		a.RequestTimeout = DefaultRequestTimeout
	}
	if a.MinNotify <= 0 {
		a.MinNotify = DefaultMinNotify
	}
	if a.MaxNotify <= 0 {
		a.MaxNotify = DefaultMaxNotify
	}
	if a.NotifyRatio <= 0 {
		a.NotifyRatio = DefaultNotifyRatio
	}
	if a.SpawnRate <= 0 {
		a.SpawnRate = DefaultSpawnRate
	}
	if a.SpawnFailures <= 0 {
		a.SpawnFailures = DefaultSpawnFailures
	}
	return a
}

// NotifyInterval 返回超时为 timeout 的 Actor 的心跳间隔：
// NotifyRatio*timeout，限制在 [MinNotify, MaxNotify] 内。
func (a Arbiter) NotifyInterval(timeout time.Duration) time.Duration {
	d := time.Duration(a.NotifyRatio * float64(timeout))
	if d < a.MinNotify {
		d = a.MinNotify
	}
	if d > a.MaxNotify {
		d = a.MaxNotify
	}
	return d
}

// Resolve 返回第一个为正的时长。
// 超时按 Actor 启动参数、monitor 配置、arbiter 默认值的顺序取值；宽限期按 monitor、arbiter。
func Resolve(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}

// Validate 检查配置的一致性。
func (c *Config) Validate() error {
	a := c.Arbiter
	if a.MinNotify > a.MaxNotify {
		return errors.Errorf("min_notify %s exceeds max_notify %s", a.MinNotify, a.MaxNotify)
	}
	if a.NotifyRatio > 1 {
		return errors.Errorf("notify_ratio %.2f must not exceed 1", a.NotifyRatio)
	}
	seen := map[string]bool{}
	for i, m := range c.Monitors {
		switch {
		case m.Name == "":
			return errors.Errorf("monitors[%d]: name is required", i)
		case m.Name == "arbiter" || m.Name == "monitor":
			return errors.Errorf("monitors[%d]: %q is a reserved identity", i, m.Name)
		case seen[m.Name]:
			return errors.Errorf("monitors[%d]: duplicate name %q", i, m.Name)
		case m.Workers < 0:
			return errors.Errorf("monitor %s: workers must not be negative", m.Name)
		}
		if _, err := backend.ParseKind(m.Concurrency); err != nil {
			return errors.Wrapf(err, "monitor %s", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// Monitor 按名称查找 monitor 配置。
func (c *Config) Monitor(name string) (Monitor, bool) {
	for _, m := range c.Monitors {
		if m.Name == name {
			return m, true
		}
	}
	return Monitor{}, false
}

// Parse 解析 YAML，填充默认值并校验。
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.Arbiter = cfg.Arbiter.WithDefaults()
	if cfg.Log.Level == "" {
		cfg.Log.Level = log.LevelInfo
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load 读取并解析配置文件。
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(b)
}
