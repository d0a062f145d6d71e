// =============================================================================
// voxagent 主入口
// =============================================================================
// 语音助手会话核心服务：WebSocket 会话端点、健康检查、Prometheus 指标
//
// 使用方法:
//
//	voxagent serve                       # 启动服务
//	voxagent serve --config config.yaml  # 指定配置文件
//	voxagent version                     # 显示版本信息
//	voxagent health                      # 健康检查
//	voxagent migrate up                  # 创建 user_facts 表
//	voxagent migrate status              # 查看迁移状态
// =============================================================================

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

// 构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "voxagent: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("voxagent %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`voxagent - voice assistant session core

Usage:
  voxagent <command> [options]

Commands:
  serve     Start the session server
  migrate   Manage the user_facts schema (memory.backend=sql)
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)
  --env <path>      Path to a .env file (default: .env)

Migration subcommands:
  migrate up         Apply all pending migrations
  migrate down       Roll back the last migration
  migrate steps <n>  Apply (n > 0) or roll back (n < 0) n migrations
  migrate force <v>  Force the recorded version
  migrate status     Show migration status
  migrate version    Show the current version

Examples:
  voxagent serve --config /etc/voxagent/config.yaml
  voxagent migrate up --config config.yaml
  voxagent health --addr http://localhost:8080`)
}
