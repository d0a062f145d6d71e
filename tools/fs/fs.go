package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/llm/tools"
)

// DefaultMaxReadChars caps read_file output.
const DefaultMaxReadChars = 4000

// Config 配置文件工具。
type Config struct {
	// Root 是沙箱根目录，所有路径必须落在其中。空值表示用户主目录。
	Root string `yaml:"root" json:"root"`
	// Aliases 把口语化名称映射为目录，例如 "desktop" -> ~/Desktop。
	Aliases      map[string]string `yaml:"aliases" json:"aliases"`
	MaxReadChars int               `yaml:"max_read_chars" json:"max_read_chars"`
	Timeout      time.Duration     `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns a config rooted at the user's home directory.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Root: home,
		Aliases: map[string]string{
			"desktop":   filepath.Join(home, "Desktop"),
			"downloads": filepath.Join(home, "Downloads"),
			"documents": filepath.Join(home, "Documents"),
		},
		MaxReadChars: DefaultMaxReadChars,
		Timeout:      10 * time.Second,
	}
}

// FileTools 提供受沙箱约束的本地文件操作。
type FileTools struct {
	root    string
	aliases map[string]string
	config  Config
	logger  *zap.Logger
}

// New creates file tools. A relative root is resolved against the working directory.
func New(config Config, logger *zap.Logger) (*FileTools, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.Root == "" {
		config.Root = defaults.Root
	}
	if config.MaxReadChars <= 0 {
		config.MaxReadChars = DefaultMaxReadChars
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	root, err := filepath.Abs(expandHome(config.Root))
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	aliases := make(map[string]string, len(config.Aliases))
	for k, v := range config.Aliases {
		aliases[strings.ToLower(strings.TrimSpace(k))] = expandHome(v)
	}

	return &FileTools{
		root:    filepath.Clean(root),
		aliases: aliases,
		config:  config,
		logger:  logger.With(zap.String("component", "fs_tools")),
	}, nil
}

// Resolve 把用户给出的路径解析为沙箱内的绝对路径。
// 支持别名、~ 展开与相对路径（相对于沙箱根目录）。
func (f *FileTools) Resolve(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if alias, ok := f.aliases[strings.ToLower(p)]; ok {
		p = alias
	}
	p = expandHome(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the allowed folder", path)
	}
	return p, nil
}

type pathArgs struct {
	Path string `json:"path" jsonschema:"description=File or folder path. Accepts ~ and the aliases desktop/downloads/documents"`
}

type readArgs struct {
	Path     string `json:"path" jsonschema:"description=File to read"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"description=Maximum characters to return"`
}

type writeArgs struct {
	Path    string `json:"path" jsonschema:"description=File to write; parent folders are created"`
	Content string `json:"content" jsonschema:"description=Text content to write"`
}

type listArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Folder to list; defaults to the home folder"`
}

type transferArgs struct {
	Source      string `json:"source" jsonschema:"description=Existing file or folder"`
	Destination string `json:"destination" jsonschema:"description=Target path"`
}

// Tools returns the file tools for registration.
func (f *FileTools) Tools() []tools.Tool {
	return []tools.Tool{
		{
			Name:        "read_file",
			Description: "Read a text file and return its content (truncated).",
			Parameters:  tools.GenerateSchema[readArgs](),
			Handler:     tools.Typed(f.readFile),
			Timeout:     f.config.Timeout,
		},
		{
			Name:        "write_file",
			Description: "Write text content to a file, creating parent folders.",
			Parameters:  tools.GenerateSchema[writeArgs](),
			Handler:     tools.Typed(f.writeFile),
			Timeout:     f.config.Timeout,
		},
		{
			Name:        "list_directory",
			Description: "List the entries of a folder.",
			Parameters:  tools.GenerateSchema[listArgs](),
			Handler:     tools.Typed(f.listDirectory),
			Timeout:     f.config.Timeout,
		},
		{
			Name:        "create_folder",
			Description: "Create a folder and any missing parents.",
			Parameters:  tools.GenerateSchema[pathArgs](),
			Handler:     tools.Typed(f.createFolder),
			Timeout:     f.config.Timeout,
		},
		{
			Name:        "move_path",
			Description: "Move or rename a file or folder.",
			Parameters:  tools.GenerateSchema[transferArgs](),
			Handler:     tools.Typed(f.movePath),
			Timeout:     f.config.Timeout,
		},
		{
			Name:        "copy_path",
			Description: "Copy a file or folder.",
			Parameters:  tools.GenerateSchema[transferArgs](),
			Handler:     tools.Typed(f.copyPath),
			Timeout:     f.config.Timeout,
		},
		{
			Name:        "delete_path",
			Description: "Delete a file or an empty folder. Requires the user's confirmation.",
			Parameters:  tools.GenerateSchema[pathArgs](),
			Handler:     tools.Typed(f.deletePath),
			Timeout:     f.config.Timeout,
			Sensitive:   true,
			Describe: func(raw json.RawMessage) string {
				a, err := tools.Bind[pathArgs](raw)
				if err != nil || a.Path == "" {
					return ""
				}
				return "delete " + a.Path
			},
		},
	}
}

func (f *FileTools) readFile(_ context.Context, a readArgs) (string, error) {
	p, err := f.Resolve(a.Path)
	if err != nil {
		return err.Error(), nil
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return fmt.Sprintf("File not found: %s", p), nil
	}

	limit := f.config.MaxReadChars
	if a.MaxChars > 0 && a.MaxChars < limit {
		limit = a.MaxChars
	}

	fh, err := os.Open(p)
	if err != nil {
		f.logger.Error("read file failed", zap.String("path", p), zap.Error(err))
		return fmt.Sprintf("Could not read file: %s", a.Path), nil
	}
	defer fh.Close()

	// 每个字符最多 4 字节
	data, err := io.ReadAll(io.LimitReader(fh, int64(limit)*4))
	if err != nil {
		f.logger.Error("read file failed", zap.String("path", p), zap.Error(err))
		return fmt.Sprintf("Could not read file: %s", a.Path), nil
	}
	f.logger.Info("read file", zap.String("path", p))
	return truncateRunes(strings.ToValidUTF8(string(data), ""), limit), nil
}

func (f *FileTools) writeFile(_ context.Context, a writeArgs) (string, error) {
	p, err := f.Resolve(a.Path)
	if err != nil {
		return err.Error(), nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		f.logger.Error("write file failed", zap.String("path", p), zap.Error(err))
		return fmt.Sprintf("Could not write file: %s", a.Path), nil
	}
	if err := os.WriteFile(p, []byte(a.Content), 0o644); err != nil {
		f.logger.Error("write file failed", zap.String("path", p), zap.Error(err))
		return fmt.Sprintf("Could not write file: %s", a.Path), nil
	}
	f.logger.Info("wrote file", zap.String("path", p))
	return fmt.Sprintf("File written: %s", p), nil
}

func (f *FileTools) listDirectory(_ context.Context, a listArgs) (string, error) {
	target := a.Path
	if strings.TrimSpace(target) == "" {
		target = f.root
	}
	p, err := f.Resolve(target)
	if err != nil {
		return err.Error(), nil
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		f.logger.Error("list directory failed", zap.String("path", p), zap.Error(err))
		return fmt.Sprintf("Could not list directory %s", p), nil
	}
	if len(entries) == 0 {
		return fmt.Sprintf("%s is empty", p), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (f *FileTools) createFolder(_ context.Context, a pathArgs) (string, error) {
	p, err := f.Resolve(a.Path)
	if err != nil {
		return err.Error(), nil
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		f.logger.Error("create folder failed", zap.String("path", p), zap.Error(err))
		return fmt.Sprintf("Failed to create folder %s", p), nil
	}
	f.logger.Info("created folder", zap.String("path", p))
	return fmt.Sprintf("Folder created: %s", p), nil
}

func (f *FileTools) movePath(_ context.Context, a transferArgs) (string, error) {
	src, dst, msg := f.resolvePair(a)
	if msg != "" {
		return msg, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err == nil {
		err = os.Rename(src, dst)
		if err == nil {
			f.logger.Info("moved path", zap.String("source", src), zap.String("destination", dst))
			return fmt.Sprintf("Moved to %s", dst), nil
		}
		f.logger.Error("move failed", zap.String("source", src), zap.Error(err))
	}
	return "Move failed", nil
}

func (f *FileTools) copyPath(_ context.Context, a transferArgs) (string, error) {
	src, dst, msg := f.resolvePair(a)
	if msg != "" {
		return msg, nil
	}
	if rel, err := filepath.Rel(src, dst); err == nil && !strings.HasPrefix(rel, "..") {
		return "Cannot copy a folder into itself", nil
	}
	if err := copyTree(src, dst); err != nil {
		f.logger.Error("copy failed", zap.String("source", src), zap.Error(err))
		return "Copy failed", nil
	}
	f.logger.Info("copied path", zap.String("source", src), zap.String("destination", dst))
	return fmt.Sprintf("Copied to %s", dst), nil
}

func (f *FileTools) deletePath(_ context.Context, a pathArgs) (string, error) {
	p, err := f.Resolve(a.Path)
	if err != nil {
		return err.Error(), nil
	}
	if p == f.root {
		return "Refusing to delete the root folder", nil
	}
	if _, err := os.Lstat(p); err != nil {
		return fmt.Sprintf("Path does not exist: %s", p), nil
	}
	// os.Remove 只删除文件或空目录
	if err := os.Remove(p); err != nil {
		f.logger.Error("delete failed", zap.String("path", p), zap.Error(err))
		return fmt.Sprintf("Failed to delete %s", p), nil
	}
	f.logger.Warn("deleted path", zap.String("path", p))
	return fmt.Sprintf("Deleted %s", p), nil
}

func (f *FileTools) resolvePair(a transferArgs) (string, string, string) {
	src, err := f.Resolve(a.Source)
	if err != nil {
		return "", "", err.Error()
	}
	dst, err := f.Resolve(a.Destination)
	if err != nil {
		return "", "", err.Error()
	}
	if _, err := os.Stat(src); err != nil {
		return "", "", fmt.Sprintf("Source does not exist: %s", src)
	}
	// 目标是已存在的目录时放入其中
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		dst = filepath.Join(dst, filepath.Base(src))
	}
	return src, dst, ""
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	return filepath.WalkDir(src, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
