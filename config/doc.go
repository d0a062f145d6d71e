// Package config 提供 voxagent 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → .env → 环境变量（VOXAGENT_ 前缀）的
// 优先级加载，加载后校验。Reloader 轮询配置文件并在变更时重新加载，
// 供运行期可调整的字段（如日志级别）使用。
package config
