// =============================================================================
// 📦 voxagent 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + .env + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithDotEnv(".env").
//	    WithEnvPrefix("VOXAGENT").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → .env → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 voxagent 的完整配置结构
type Config struct {
	// Server HTTP / WebSocket 服务配置
	Server ServerConfig `yaml:"server" json:"server" env:"SERVER"`

	// Session 会话编排配置
	Session SessionConfig `yaml:"session" json:"session" env:"SESSION"`

	// Memory 长期记忆配置
	Memory MemoryConfig `yaml:"memory" json:"memory" env:"MEMORY"`

	// Approval 敏感操作审批配置
	Approval ApprovalConfig `yaml:"approval" json:"approval" env:"APPROVAL"`

	// Redis 配置
	Redis RedisConfig `yaml:"redis" json:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" json:"database" env:"DATABASE"`

	// Auth 身份配置
	Auth AuthConfig `yaml:"auth" json:"auth" env:"AUTH"`

	// Personas 人设目录，只能通过 YAML 配置
	Personas PersonasConfig `yaml:"personas" json:"personas" env:"-"`

	// Tools 工具目录配置
	Tools ToolsConfig `yaml:"tools" json:"tools" env:"TOOLS"`

	// MCP 外部工具服务器
	MCP MCPConfig `yaml:"mcp" json:"mcp" env:"MCP"`

	// Log 日志配置
	Log LogConfig `yaml:"log" json:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" json:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时，包含等待所有会话 teardown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个 IP 的限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" json:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" json:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// WebSocket 单帧上限（字节）
	MaxFrameBytes int64 `yaml:"max_frame_bytes" json:"max_frame_bytes" env:"MAX_FRAME_BYTES"`
	// 心跳间隔
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// 房间删除后强制挂断前的宽限期
	HangupGrace time.Duration `yaml:"hangup_grace" json:"hangup_grace" env:"HANGUP_GRACE"`
}

// SessionConfig 会话编排配置
type SessionConfig struct {
	OpeningInstructions string        `yaml:"opening_instructions" json:"opening_instructions" env:"OPENING_INSTRUCTIONS"`
	GoodbyeInstructions string        `yaml:"goodbye_instructions" json:"goodbye_instructions" env:"GOODBYE_INSTRUCTIONS"`
	ReadyTimeout        time.Duration `yaml:"ready_timeout" json:"ready_timeout" env:"READY_TIMEOUT"`
	TeardownGrace       time.Duration `yaml:"teardown_grace" json:"teardown_grace" env:"TEARDOWN_GRACE"`
	MCPConnectTimeout   time.Duration `yaml:"mcp_connect_timeout" json:"mcp_connect_timeout" env:"MCP_CONNECT_TIMEOUT"`
}

// MemoryConfig 记忆配置
type MemoryConfig struct {
	// 后端: inmemory, redis, sql, mem0
	Backend string `yaml:"backend" json:"backend" env:"BACKEND"`
	// 非空时按语义检索加载
	SearchQuery string `yaml:"search_query" json:"search_query" env:"SEARCH_QUERY"`
	// 加载的事实数上限
	Limit int `yaml:"limit" json:"limit" env:"LIMIT"`
	// 注入块 token 上限
	MaxSnapshotTokens int `yaml:"max_snapshot_tokens" json:"max_snapshot_tokens" env:"MAX_SNAPSHOT_TOKENS"`
	// 注入轮次角色: assistant, system
	ContextRole string `yaml:"context_role" json:"context_role" env:"CONTEXT_ROLE"`
	// 每个用户的事实上限（本地后端）
	MaxFactsPerUser int           `yaml:"max_facts_per_user" json:"max_facts_per_user" env:"MAX_FACTS_PER_USER"`
	KeyPrefix       string        `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
	LoadTimeout     time.Duration `yaml:"load_timeout" json:"load_timeout" env:"LOAD_TIMEOUT"`
	SaveTimeout     time.Duration `yaml:"save_timeout" json:"save_timeout" env:"SAVE_TIMEOUT"`
	// Mem0 托管平台
	Mem0 Mem0Config `yaml:"mem0" json:"mem0" env:"MEM0"`
}

// Mem0Config 托管记忆平台配置
type Mem0Config struct {
	BaseURL string        `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	APIKey  string        `yaml:"api_key" json:"api_key" env:"API_KEY"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	// 429、5xx 与网络错误的重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
}

// ApprovalConfig 审批配置
type ApprovalConfig struct {
	// 后端: inmemory, redis
	Backend string `yaml:"backend" json:"backend" env:"BACKEND"`
	// 待确认操作的过期时间
	TTL time.Duration `yaml:"ttl" json:"ttl" env:"TTL"`
	// 视为同意的回答
	Affirmatives []string `yaml:"affirmatives" json:"affirmatives" env:"AFFIRMATIVES"`
	// 是否把待确认状态写入记忆
	RecordPending bool   `yaml:"record_pending" json:"record_pending" env:"RECORD_PENDING"`
	KeyPrefix     string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" json:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 使用 TLS 连接
	TLS bool `yaml:"tls" json:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" json:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" json:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" json:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" json:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// AuthConfig 身份配置。JWTSecret 为空时使用 DefaultUserID。
type AuthConfig struct {
	DefaultUserID string `yaml:"default_user_id" json:"default_user_id" env:"DEFAULT_USER_ID"`
	JWTSecret     string `yaml:"jwt_secret" json:"jwt_secret" env:"JWT_SECRET"`
	Issuer        string `yaml:"issuer" json:"issuer" env:"ISSUER"`
	Audience      string `yaml:"audience" json:"audience" env:"AUDIENCE"`
	// 没有 token 的请求回退到 DefaultUserID
	AllowAnonymous bool `yaml:"allow_anonymous" json:"allow_anonymous" env:"ALLOW_ANONYMOUS"`
}

// PersonasConfig 人设目录。Specs 为空时使用内置的前台、技术支持与预约人设。
type PersonasConfig struct {
	Default string          `yaml:"default" json:"default"`
	Profile ProfileConfig   `yaml:"profile" json:"profile"`
	Specs   []PersonaConfig `yaml:"specs" json:"specs"`
}

// ProfileConfig 声音与模型配置
type ProfileConfig struct {
	STTProvider      string  `yaml:"stt_provider" json:"stt_provider"`
	TTSProvider      string  `yaml:"tts_provider" json:"tts_provider"`
	Model            string  `yaml:"model" json:"model"`
	Voice            string  `yaml:"voice" json:"voice"`
	Temperature      float64 `yaml:"temperature" json:"temperature"`
	SampleRate       int     `yaml:"sample_rate" json:"sample_rate"`
	InterruptEnabled *bool   `yaml:"interrupt_enabled" json:"interrupt_enabled"`
}

// PersonaConfig 单个人设
type PersonaConfig struct {
	Name         string        `yaml:"name" json:"name"`
	Instructions string        `yaml:"instructions" json:"instructions"`
	Tools        []string      `yaml:"tools" json:"tools"`
	Routes       []RouteConfig `yaml:"routes" json:"routes"`
	OnEnter      string        `yaml:"on_enter" json:"on_enter"`
	Profile      ProfileConfig `yaml:"profile" json:"profile"`
}

// RouteConfig 转接工具
type RouteConfig struct {
	Tool             string `yaml:"tool" json:"tool"`
	Target           string `yaml:"target" json:"target"`
	Description      string `yaml:"description" json:"description"`
	Param            string `yaml:"param" json:"param"`
	ParamDescription string `yaml:"param_description" json:"param_description"`
	Utterance        string `yaml:"utterance" json:"utterance"`
}

// ToolsConfig 工具目录配置
type ToolsConfig struct {
	FS      FSToolsConfig      `yaml:"fs" json:"fs" env:"FS"`
	System  SystemToolsConfig  `yaml:"system" json:"system" env:"SYSTEM"`
	Web     WebToolsConfig     `yaml:"web" json:"web" env:"WEB"`
	Email   EmailToolsConfig   `yaml:"email" json:"email" env:"EMAIL"`
	Browser BrowserToolsConfig `yaml:"browser" json:"browser" env:"BROWSER"`
}

// FSToolsConfig 文件工具
type FSToolsConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Root         string        `yaml:"root" json:"root" env:"ROOT"`
	MaxReadChars int           `yaml:"max_read_chars" json:"max_read_chars" env:"MAX_READ_CHARS"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// SystemToolsConfig 系统工具
type SystemToolsConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	WorkDir        string        `yaml:"work_dir" json:"work_dir" env:"WORK_DIR"`
	MaxOutputChars int           `yaml:"max_output_chars" json:"max_output_chars" env:"MAX_OUTPUT_CHARS"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// WebToolsConfig 网络工具
type WebToolsConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	SearchURL          string        `yaml:"search_url" json:"search_url" env:"SEARCH_URL"`
	WeatherURL         string        `yaml:"weather_url" json:"weather_url" env:"WEATHER_URL"`
	MaxChars           int           `yaml:"max_chars" json:"max_chars" env:"MAX_CHARS"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute" env:"RATE_LIMIT_PER_MINUTE"`
}

// EmailToolsConfig 邮件工具，Username 为空时不注册
type EmailToolsConfig struct {
	Host     string        `yaml:"host" json:"host" env:"HOST"`
	Port     int           `yaml:"port" json:"port" env:"PORT"`
	Username string        `yaml:"username" json:"username" env:"USERNAME"`
	Password string        `yaml:"password" json:"password" env:"PASSWORD"`
	From     string        `yaml:"from" json:"from" env:"FROM"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// BrowserToolsConfig 浏览器工具
type BrowserToolsConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Headless bool          `yaml:"headless" json:"headless" env:"HEADLESS"`
	ExecPath string        `yaml:"exec_path" json:"exec_path" env:"EXEC_PATH"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// MCPConfig 外部工具服务器
type MCPConfig struct {
	// URL 是单个 SSE 服务器的简写，通常来自环境变量
	URL     string            `yaml:"url" json:"url" env:"URL"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	Servers []MCPServerConfig `yaml:"servers" json:"servers" env:"-"`
}

// MCPServerConfig 单个 MCP 服务器
type MCPServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" json:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" json:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" json:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" json:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" json:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
	// 滚动日志文件
	File LogFileConfig `yaml:"file" json:"file" env:"FILE"`
}

// LogFileConfig 滚动日志文件，Path 为空时不写文件
type LogFileConfig struct {
	Path       string `yaml:"path" json:"path" env:"PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" json:"compress" env:"COMPRESS"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	dotEnv     []string
	envPrefix  string
	lookup     func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "VOXAGENT",
		lookup:     os.LookupEnv,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithDotEnv 加载 .env 文件。已存在的环境变量不会被覆盖，文件不存在时忽略。
func (l *Loader) WithDotEnv(paths ...string) *Loader {
	l.dotEnv = append(l.dotEnv, paths...)
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLookup 替换环境变量来源（测试用）
func (l *Loader) WithLookup(fn func(string) (string, bool)) *Loader {
	l.lookup = fn
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → .env → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. .env 只补充进程环境中没有的变量
	if err := l.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 4. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadDotEnv() error {
	var existing []string
	for _, p := range l.dotEnv {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue, ok := l.lookup(envKey)
		if !ok || envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("invalid HTTP port"))
	}

	switch c.Memory.Backend {
	case "inmemory", "redis", "sql", "mem0":
	default:
		errs = append(errs, fmt.Errorf("unknown memory backend %q", c.Memory.Backend))
	}
	if c.Memory.Backend == "mem0" && c.Memory.Mem0.APIKey == "" {
		errs = append(errs, errors.New("memory.mem0.api_key is required for the mem0 backend"))
	}
	if c.Memory.Backend == "sql" && c.Database.Driver == "" {
		errs = append(errs, errors.New("database.driver is required for the sql backend"))
	}
	switch c.Memory.ContextRole {
	case "", "assistant", "system":
	default:
		errs = append(errs, fmt.Errorf("memory.context_role must be assistant or system, got %q", c.Memory.ContextRole))
	}

	switch c.Approval.Backend {
	case "inmemory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown approval backend %q", c.Approval.Backend))
	}
	if c.Approval.TTL < 0 {
		errs = append(errs, errors.New("approval.ttl must not be negative"))
	}

	if c.Auth.JWTSecret == "" && c.Auth.DefaultUserID == "" {
		errs = append(errs, errors.New("auth requires jwt_secret or default_user_id"))
	}

	seen := make(map[string]bool)
	for _, p := range c.Personas.Specs {
		if p.Name == "" {
			errs = append(errs, errors.New("persona name is required"))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate persona %q", p.Name))
		}
		seen[p.Name] = true
	}
	for _, p := range c.Personas.Specs {
		for _, r := range p.Routes {
			if !seen[r.Target] {
				errs = append(errs, fmt.Errorf("persona %q route %q targets unknown persona %q", p.Name, r.Tool, r.Target))
			}
		}
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// MCPServers 合并 URL 简写与 Servers 列表
func (m MCPConfig) MCPServers() []MCPServerConfig {
	out := make([]MCPServerConfig, 0, len(m.Servers)+1)
	if m.URL != "" {
		out = append(out, MCPServerConfig{Name: "default", URL: m.URL, Timeout: m.Timeout})
	}
	for _, s := range m.Servers {
		if s.Timeout == 0 {
			s.Timeout = m.Timeout
		}
		out = append(out, s)
	}
	return out
}
