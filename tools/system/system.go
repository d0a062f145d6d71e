package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/llm/tools"
)

// DefaultMaxOutputChars caps run_command output.
const DefaultMaxOutputChars = 4000

// Config 配置系统工具。
type Config struct {
	// Shell 用于执行命令，默认 "sh -c"（Windows 为 "cmd /C"）。
	Shell          []string      `yaml:"shell" json:"shell"`
	WorkDir        string        `yaml:"work_dir" json:"work_dir"`
	MaxOutputChars int           `yaml:"max_output_chars" json:"max_output_chars"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	// Opener 打开文件或网址的程序，默认按平台选择 open / xdg-open / explorer。
	Opener string `yaml:"opener" json:"opener"`
}

// DefaultConfig returns platform defaults.
func DefaultConfig() Config {
	cfg := Config{
		Shell:          []string{"sh", "-c"},
		MaxOutputChars: DefaultMaxOutputChars,
		Timeout:        30 * time.Second,
	}
	switch runtime.GOOS {
	case "windows":
		cfg.Shell = []string{"cmd", "/C"}
		cfg.Opener = "explorer"
	case "darwin":
		cfg.Opener = "open"
	default:
		cfg.Opener = "xdg-open"
	}
	return cfg
}

// SystemTools 提供命令执行与打开文件的工具。
type SystemTools struct {
	config Config
	logger *zap.Logger
}

// New creates system tools, filling unset fields from DefaultConfig.
func New(config Config, logger *zap.Logger) *SystemTools {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if len(config.Shell) == 0 {
		config.Shell = defaults.Shell
	}
	if config.MaxOutputChars <= 0 {
		config.MaxOutputChars = defaults.MaxOutputChars
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Opener == "" {
		config.Opener = defaults.Opener
	}
	return &SystemTools{
		config: config,
		logger: logger.With(zap.String("component", "system_tools")),
	}
}

type commandArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command to run"`
}

type openArgs struct {
	Path string `json:"path" jsonschema:"description=File, folder or URL to open with the default application"`
}

type urlArgs struct {
	URL string `json:"url" jsonschema:"description=Address to open; https:// is assumed when missing"`
}

type queryArgs struct {
	Query string `json:"query" jsonschema:"description=What to search for"`
}

type repoArgs struct {
	Repo string `json:"repo" jsonschema:"description=Repository as owner/name"`
}

// searchSite 是在默认浏览器里打开的搜索快捷方式。
type searchSite struct {
	tool  string
	desc  string
	label string
	base  string
}

var searchSites = []searchSite{
	{"search_google", "Search Google in the default browser.", "Google", "https://www.google.com/search?q="},
	{"search_youtube", "Search YouTube in the default browser.", "YouTube", "https://www.youtube.com/results?search_query="},
	{"open_stackoverflow", "Search StackOverflow in the default browser.", "StackOverflow", "https://stackoverflow.com/search?q="},
}

// Tools returns the system tools for registration.
func (s *SystemTools) Tools() []tools.Tool {
	out := []tools.Tool{
		{
			Name:        "run_command",
			Description: "Run a shell command and return its output. Requires the user's confirmation.",
			Parameters:  tools.GenerateSchema[commandArgs](),
			Handler:     tools.Typed(s.runCommand),
			// 执行器超时略大于命令自身超时，让命令超时信息先返回
			Timeout:   s.config.Timeout + 5*time.Second,
			Sensitive: true,
			Describe: func(raw json.RawMessage) string {
				a, err := tools.Bind[commandArgs](raw)
				if err != nil || a.Command == "" {
					return ""
				}
				return "run the command " + a.Command
			},
		},
		{
			Name:        "open_path",
			Description: "Open a file, folder or URL with the default application.",
			Parameters:  tools.GenerateSchema[openArgs](),
			Handler:     tools.Typed(s.openPath),
			Timeout:     10 * time.Second,
		},
		{
			Name:        "open_url",
			Description: "Open a web address in the default browser.",
			Parameters:  tools.GenerateSchema[urlArgs](),
			Handler:     tools.Typed(s.openURL),
			Timeout:     10 * time.Second,
		},
		{
			Name:        "open_github",
			Description: "Open a GitHub repository in the default browser.",
			Parameters:  tools.GenerateSchema[repoArgs](),
			Handler:     tools.Typed(s.openGitHub),
			Timeout:     10 * time.Second,
		},
	}
	for _, site := range searchSites {
		out = append(out, tools.Tool{
			Name:        site.tool,
			Description: site.desc,
			Parameters:  tools.GenerateSchema[queryArgs](),
			Handler:     tools.Typed(s.searchOn(site)),
			Timeout:     10 * time.Second,
		})
	}
	return out
}

func (s *SystemTools) runCommand(ctx context.Context, a commandArgs) (string, error) {
	command := strings.TrimSpace(a.Command)
	if command == "" {
		return "No command given", nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	args := append(append([]string(nil), s.config.Shell[1:]...), command)
	cmd := exec.CommandContext(ctx, s.config.Shell[0], args...)
	cmd.Dir = s.config.WorkDir

	out, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("command timed out", zap.String("command", command), zap.Duration("timeout", s.config.Timeout))
		return fmt.Sprintf("Command timed out after %s", s.config.Timeout), nil
	}
	if err != nil {
		s.logger.Error("command failed", zap.String("command", command), zap.Error(err))
		text := strings.TrimSpace(string(out))
		if text == "" {
			return "Command execution failed", nil
		}
		return "Command execution failed:\n" + truncate(text, s.config.MaxOutputChars), nil
	}

	s.logger.Info("executed command", zap.String("command", command))
	text := strings.TrimSpace(string(out))
	if text == "" {
		return "Command completed with no output", nil
	}
	return truncate(text, s.config.MaxOutputChars), nil
}

func (s *SystemTools) openPath(ctx context.Context, a openArgs) (string, error) {
	target := strings.TrimSpace(a.Path)
	if target == "" {
		return "No path given", nil
	}
	if !strings.Contains(target, "://") {
		if strings.HasPrefix(target, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				target = home + target[1:]
			}
		}
		if _, err := os.Stat(target); err != nil {
			return fmt.Sprintf("File or folder does not exist: %s", target), nil
		}
	}

	if err := s.launch(target); err != nil {
		return fmt.Sprintf("Failed to open %s", target), nil
	}
	return fmt.Sprintf("Opened %s", target), nil
}

func (s *SystemTools) openURL(_ context.Context, a urlArgs) (string, error) {
	target := strings.TrimSpace(a.URL)
	if target == "" {
		return "No URL given", nil
	}
	if !strings.HasPrefix(target, "http") {
		target = "https://" + target
	}
	if err := s.launch(target); err != nil {
		return fmt.Sprintf("Could not open %s", target), nil
	}
	return fmt.Sprintf("Opened %s", target), nil
}

func (s *SystemTools) openGitHub(_ context.Context, a repoArgs) (string, error) {
	repo := strings.Trim(strings.TrimSpace(a.Repo), "/")
	if repo == "" {
		return "No repository given", nil
	}
	if err := s.launch("https://github.com/" + repo); err != nil {
		return "Failed to open GitHub repository", nil
	}
	return fmt.Sprintf("Opened GitHub repo %s", repo), nil
}

func (s *SystemTools) searchOn(site searchSite) func(context.Context, queryArgs) (string, error) {
	return func(_ context.Context, a queryArgs) (string, error) {
		query := strings.TrimSpace(a.Query)
		if query == "" {
			return "No search query given", nil
		}
		if err := s.launch(site.base + url.QueryEscape(query)); err != nil {
			return fmt.Sprintf("%s search failed", site.label), nil
		}
		return fmt.Sprintf("Searched %s for: %s", site.label, query), nil
	}
}

// launch 启动打开程序。它是分离的 GUI 进程，不等待其退出。
func (s *SystemTools) launch(target string) error {
	cmd := exec.Command(s.config.Opener, target)
	if err := cmd.Start(); err != nil {
		s.logger.Error("open failed", zap.String("target", target), zap.Error(err))
		return err
	}
	go func() { _ = cmd.Wait() }()

	s.logger.Info("opened", zap.String("target", target))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
