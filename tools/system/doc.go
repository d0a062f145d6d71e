// Package system 提供 run_command（需确认）与 open_path 两个系统工具。
package system
