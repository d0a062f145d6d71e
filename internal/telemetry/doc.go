// Package telemetry 初始化 OpenTelemetry SDK 的 TracerProvider 与 MeterProvider，
// 并提供记忆加载/保存、工具执行与人设切换使用的 Tracer。
// 禁用时保持全局 noop 实现，不连接任何外部服务。
package telemetry
