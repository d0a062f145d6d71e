package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

var (
	// ErrNoTab is returned when an action needs an open tab.
	ErrNoTab = errors.New("no browser tab is open")
	// ErrTabIndex is returned for an index outside the open tabs.
	ErrTabIndex = errors.New("no tab at that index")
)

// Config 配置浏览器。
type Config struct {
	Headless       bool          `yaml:"headless" json:"headless"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	ViewportWidth  int           `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height" json:"viewport_height"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent"`
	ProxyURL       string        `yaml:"proxy_url" json:"proxy_url"`
	ExecPath       string        `yaml:"exec_path" json:"exec_path"`
}

// DefaultConfig returns a visible browser, since the user follows along.
func DefaultConfig() Config {
	return Config{
		Headless:       false,
		Timeout:        30 * time.Second,
		ViewportWidth:  1280,
		ViewportHeight: 800,
	}
}

// Driver 是浏览器工具依赖的最小操作集合。
// 标签页按打开顺序从 0 编号；新打开的标签页成为活动页，SwitchTab 可切换活动页。
type Driver interface {
	OpenTab(ctx context.Context, url string) (title string, err error)
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Scroll(ctx context.Context, deltaY int) error
	// Click 先按 CSS 选择器点击，失败后按可见文本、aria-label 或 placeholder 匹配。
	Click(ctx context.Context, target string) (bool, error)
	// FindText 返回页面文本中 query 出现的次数（不区分大小写）并高亮第一个。
	FindText(ctx context.Context, query string) (int, error)
	CloseTab(ctx context.Context) error
	// ClickText 只按可见文本、aria-label 或 placeholder 匹配并点击。
	ClickText(ctx context.Context, intent string) (bool, error)
	// PressEnter 在活动页按下回车，提交当前聚焦的表单。
	PressEnter(ctx context.Context) error
	SwitchTab(ctx context.Context, index int) error
	CloseTabAt(ctx context.Context, index int) error
	// CloseTabByTitle 关闭第一个标题包含 title 的标签页（不区分大小写）。
	CloseTabByTitle(ctx context.Context, title string) (bool, error)
	CloseAllTabs(ctx context.Context) error
	Close() error
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// ChromeDPDriver 基于 chromedp 的 Driver 实现，首次使用时才启动浏览器。
type ChromeDPDriver struct {
	config Config
	logger *zap.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	tabs        []tab
	active      int
}

// NewChromeDPDriver 创建 chromedp 驱动
func NewChromeDPDriver(config Config, logger *zap.Logger) *ChromeDPDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &ChromeDPDriver{
		config: config,
		logger: logger.With(zap.String("component", "chromedp_driver")),
	}
}

// start 启动浏览器进程，调用方持有锁。
func (d *ChromeDPDriver) start() error {
	if d.browserCtx != nil {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if d.config.ViewportWidth > 0 && d.config.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(d.config.ViewportWidth, d.config.ViewportHeight))
	}
	if d.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.config.UserAgent))
	}
	if d.config.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(d.config.ProxyURL))
	}
	if d.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.config.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			d.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	d.allocCtx, d.allocCancel = allocCtx, allocCancel
	d.browserCtx, d.cancel = browserCtx, cancel
	// chromedp 启动时自带一个空白标签页
	d.tabs = append(d.tabs, tab{ctx: browserCtx, cancel: func() {}})
	d.active = 0
	d.logger.Info("chromedp browser started", zap.Bool("headless", d.config.Headless))
	return nil
}

// run 在活动标签页上执行动作，受 ctx 与配置超时约束。
func (d *ChromeDPDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	return d.runOn(ctx, d.tabs[d.active], actions...)
}

func (d *ChromeDPDriver) runOn(ctx context.Context, t tab, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, d.config.Timeout)
	defer cancel()

	// 调用方取消时同步取消
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// OpenTab implements Driver.
func (d *ChromeDPDriver) OpenTab(ctx context.Context, url string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.start(); err != nil {
		return "", err
	}

	// 复用启动时的空白页，其余情况新建标签页
	if !(len(d.tabs) == 1 && d.isBlank(ctx)) {
		tabCtx, cancel := chromedp.NewContext(d.browserCtx)
		d.tabs = append(d.tabs, tab{ctx: tabCtx, cancel: cancel})
		d.active = len(d.tabs) - 1
	}

	var title string
	if err := d.run(ctx, chromedp.Navigate(url), chromedp.Title(&title)); err != nil {
		return "", err
	}
	d.logger.Debug("opened tab", zap.String("url", url), zap.Int("tabs", len(d.tabs)))
	return title, nil
}

func (d *ChromeDPDriver) isBlank(ctx context.Context) bool {
	var loc string
	if err := d.run(ctx, chromedp.Location(&loc)); err != nil {
		return false
	}
	return loc == "" || loc == "about:blank"
}

// Back implements Driver.
func (d *ChromeDPDriver) Back(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run(ctx, chromedp.NavigateBack())
}

// Forward implements Driver.
func (d *ChromeDPDriver) Forward(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run(ctx, chromedp.NavigateForward())
}

// Scroll implements Driver.
func (d *ChromeDPDriver) Scroll(ctx context.Context, deltaY int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	x, y := float64(d.config.ViewportWidth)/2, float64(d.config.ViewportHeight)/2
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(0).
			WithDeltaY(float64(deltaY)).Do(ctx)
	}))
}

const clickByTextJS = `(function(q) {
  q = q.toLowerCase();
  const els = document.querySelectorAll("input, button, a, [role='button'], span");
  for (const el of els) {
    const label = ((el.getAttribute("aria-label") || "") + " " +
                   (el.getAttribute("placeholder") || "") + " " +
                   (el.innerText || el.value || "")).toLowerCase();
    if (label.includes(q)) {
      el.scrollIntoView({block: "center"});
      el.click();
      return true;
    }
  }
  return false;
})(%q)`

// Click implements Driver.
func (d *ChromeDPDriver) Click(ctx context.Context, target string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.tabs) == 0 {
		return false, ErrNoTab
	}

	selCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := d.run(selCtx, chromedp.Click(target, chromedp.ByQuery, chromedp.NodeVisible))
	cancel()
	if err == nil {
		return true, nil
	}
	d.logger.Debug("selector click failed, matching by text", zap.String("target", target), zap.Error(err))

	return d.clickText(ctx, target)
}

// ClickText implements Driver.
func (d *ChromeDPDriver) ClickText(ctx context.Context, intent string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clickText(ctx, intent)
}

func (d *ChromeDPDriver) clickText(ctx context.Context, text string) (bool, error) {
	var clicked bool
	if err := d.run(ctx, chromedp.Evaluate(fmt.Sprintf(clickByTextJS, text), &clicked)); err != nil {
		return false, err
	}
	return clicked, nil
}

// PressEnter implements Driver.
func (d *ChromeDPDriver) PressEnter(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run(ctx, chromedp.KeyEvent(kb.Enter))
}

const findTextJS = `(function(q) {
  const text = (document.body ? document.body.innerText : "").toLowerCase();
  q = q.toLowerCase();
  let n = 0, i = text.indexOf(q);
  while (q && i !== -1) { n++; i = text.indexOf(q, i + q.length); }
  if (n > 0 && window.find) { window.find(q); }
  return n;
})(%q)`

// FindText implements Driver.
func (d *ChromeDPDriver) FindText(ctx context.Context, query string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n int
	if err := d.run(ctx, chromedp.Evaluate(fmt.Sprintf(findTextJS, query), &n)); err != nil {
		return 0, err
	}
	return n, nil
}

// CloseTab implements Driver.
func (d *ChromeDPDriver) CloseTab(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	return d.closeAt(ctx, d.active)
}

// SwitchTab implements Driver.
func (d *ChromeDPDriver) SwitchTab(ctx context.Context, index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	if index < 0 || index >= len(d.tabs) {
		return ErrTabIndex
	}
	if err := d.runOn(ctx, d.tabs[index], page.BringToFront()); err != nil {
		return err
	}
	d.active = index
	return nil
}

// CloseTabAt implements Driver.
func (d *ChromeDPDriver) CloseTabAt(ctx context.Context, index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	if index < 0 || index >= len(d.tabs) {
		return ErrTabIndex
	}
	return d.closeAt(ctx, index)
}

// CloseTabByTitle implements Driver.
func (d *ChromeDPDriver) CloseTabByTitle(ctx context.Context, title string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.tabs) == 0 {
		return false, ErrNoTab
	}
	want := strings.ToLower(title)
	for i, t := range d.tabs {
		var got string
		if err := d.runOn(ctx, t, chromedp.Title(&got)); err != nil {
			d.logger.Debug("read tab title failed", zap.Int("index", i), zap.Error(err))
			continue
		}
		if strings.Contains(strings.ToLower(got), want) {
			return true, d.closeAt(ctx, i)
		}
	}
	return false, nil
}

// CloseAllTabs implements Driver. The browser process goes with them.
func (d *ChromeDPDriver) CloseAllTabs(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown()
	return nil
}

// closeAt 关闭第 i 个标签页，调用方持有锁。
func (d *ChromeDPDriver) closeAt(ctx context.Context, i int) error {
	t := d.tabs[i]
	if t.ctx == d.browserCtx {
		if len(d.tabs) == 1 {
			// 初始标签页承载浏览器本身，最后一个页关闭等于关闭浏览器
			d.shutdown()
			return nil
		}
		// 其他标签页仍依赖浏览器连接，初始页只清空并移出列表
		if err := d.runOn(ctx, t, chromedp.Navigate("about:blank")); err != nil {
			return err
		}
	} else {
		t.cancel()
	}

	d.tabs = append(d.tabs[:i], d.tabs[i+1:]...)
	switch {
	case i < d.active:
		d.active--
	case d.active >= len(d.tabs):
		d.active = len(d.tabs) - 1
	}
	return nil
}

// Close 关闭浏览器
func (d *ChromeDPDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown()
	return nil
}

func (d *ChromeDPDriver) shutdown() {
	if d.browserCtx == nil {
		return
	}
	for i := len(d.tabs) - 1; i >= 0; i-- {
		d.tabs[i].cancel()
	}
	d.tabs = nil
	d.active = 0
	d.cancel()
	d.allocCancel()
	d.browserCtx, d.cancel = nil, nil
	d.allocCtx, d.allocCancel = nil, nil
	d.logger.Info("closing chromedp browser")
}
