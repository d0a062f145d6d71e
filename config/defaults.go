// =============================================================================
// 📦 voxagent 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Session:   DefaultSessionConfig(),
		Memory:    DefaultMemoryConfig(),
		Approval:  DefaultApprovalConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Auth:      DefaultAuthConfig(),
		Tools:     DefaultToolsConfig(),
		MCP:       DefaultMCPConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:          8080,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		RateLimitRPS:      10,
		RateLimitBurst:    20,
		MaxFrameBytes:     1 << 20,
		HeartbeatInterval: 30 * time.Second,
		HangupGrace:       5 * time.Second,
	}
}

// DefaultSessionConfig 返回默认会话配置，空指令表示使用内置文案
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReadyTimeout:      30 * time.Second,
		TeardownGrace:     15 * time.Second,
		MCPConnectTimeout: 10 * time.Second,
	}
}

// DefaultMemoryConfig 返回默认记忆配置
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Backend:         "inmemory",
		ContextRole:     "assistant",
		MaxFactsPerUser: 500,
		KeyPrefix:       "voxagent:memory:",
		LoadTimeout:     10 * time.Second,
		SaveTimeout:     30 * time.Second,
		Mem0: Mem0Config{
			BaseURL:    "https://api.mem0.ai",
			Timeout:    15 * time.Second,
			MaxRetries: 2,
		},
	}
}

// DefaultApprovalConfig 返回默认审批配置
func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{
		Backend:       "inmemory",
		TTL:           10 * time.Minute,
		RecordPending: true,
		KeyPrefix:     "voxagent:approval:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "voxagent",
		Password:        "",
		Name:            "voxagent",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultAuthConfig 返回默认身份配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		DefaultUserID: "default",
	}
}

// DefaultToolsConfig 返回默认工具配置。会执行命令与操作浏览器的工具默认关闭。
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		FS: FSToolsConfig{
			Enabled:      true,
			MaxReadChars: 4000,
			Timeout:      10 * time.Second,
		},
		System: SystemToolsConfig{
			Enabled:        false,
			MaxOutputChars: 4000,
			Timeout:        30 * time.Second,
		},
		Web: WebToolsConfig{
			Enabled:            true,
			MaxChars:           4000,
			Timeout:            10 * time.Second,
			RateLimitPerMinute: 30,
		},
		Email: EmailToolsConfig{
			Host:    "smtp.gmail.com",
			Port:    587,
			Timeout: 30 * time.Second,
		},
		Browser: BrowserToolsConfig{
			Enabled:  false,
			Headless: false,
			Timeout:  30 * time.Second,
		},
	}
}

// DefaultMCPConfig 返回默认 MCP 配置
func DefaultMCPConfig() MCPConfig {
	return MCPConfig{Timeout: 15 * time.Second}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
		File: LogFileConfig{
			Path:       "logs/voxagent.log",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "voxagent",
		SampleRate:   0.1,
	}
}
