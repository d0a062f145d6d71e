package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/llm/tools"
)

// BrowserTools 把 Driver 包装成语音助手可调用的标签页工具。
type BrowserTools struct {
	driver Driver
	config Config
	logger *zap.Logger
}

// New creates browser tools. A nil driver means a lazily started ChromeDPDriver.
func New(config Config, driver Driver, logger *zap.Logger) *BrowserTools {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if driver == nil {
		driver = NewChromeDPDriver(config, logger)
	}
	return &BrowserTools{
		driver: driver,
		config: config,
		logger: logger.With(zap.String("component", "browser_tools")),
	}
}

// Close shuts the underlying browser down.
func (b *BrowserTools) Close() error {
	return b.driver.Close()
}

type openArgs struct {
	URL string `json:"url" jsonschema:"description=Address to open; https:// is assumed when missing"`
}

type scrollArgs struct {
	Amount int `json:"amount" jsonschema:"description=Pixels to scroll; positive scrolls down and negative scrolls up"`
}

type clickArgs struct {
	Target string `json:"target" jsonschema:"description=CSS selector or the visible text of the element"`
}

type findArgs struct {
	Query string `json:"query" jsonschema:"description=Text to look for on the page"`
}

type intentArgs struct {
	Intent string `json:"intent" jsonschema:"description=What to click, described the way the user said it"`
}

type indexArgs struct {
	Index int `json:"index" jsonschema:"description=Zero-based tab position in opening order"`
}

type titleArgs struct {
	Title string `json:"title" jsonschema:"description=Full or partial tab title"`
}

type noArgs struct{}

// Tools returns the browser tools for registration.
func (b *BrowserTools) Tools() []tools.Tool {
	t := b.config.Timeout
	return []tools.Tool{
		{
			Name:        "open_new_tab",
			Description: "Open a new browser tab at the given URL.",
			Parameters:  tools.GenerateSchema[openArgs](),
			Handler:     tools.Typed(b.openNewTab),
			Timeout:     t,
		},
		{
			Name:        "go_back",
			Description: "Go back to the previous page in the current tab.",
			Parameters:  tools.GenerateSchema[noArgs](),
			Handler:     tools.Typed(b.goBack),
			Timeout:     t,
		},
		{
			Name:        "go_forward",
			Description: "Go forward to the next page in the current tab.",
			Parameters:  tools.GenerateSchema[noArgs](),
			Handler:     tools.Typed(b.goForward),
			Timeout:     t,
		},
		{
			Name:        "scroll_page",
			Description: "Scroll the current page vertically.",
			Parameters:  tools.GenerateSchema[scrollArgs](),
			Handler:     tools.Typed(b.scrollPage),
			Timeout:     t,
		},
		{
			Name:        "click_element",
			Description: "Click an element on the current page by CSS selector or by its visible text.",
			Parameters:  tools.GenerateSchema[clickArgs](),
			Handler:     tools.Typed(b.clickElement),
			Timeout:     t,
		},
		{
			Name:        "find_on_page",
			Description: "Find and highlight text on the current page.",
			Parameters:  tools.GenerateSchema[findArgs](),
			Handler:     tools.Typed(b.findOnPage),
			Timeout:     t,
		},
		{
			Name:        "smart_click",
			Description: "Click the element whose label or text best matches what the user asked for.",
			Parameters:  tools.GenerateSchema[intentArgs](),
			Handler:     tools.Typed(b.smartClick),
			Timeout:     t,
		},
		{
			Name:        "submit_search",
			Description: "Submit the current search box or form by pressing Enter.",
			Parameters:  tools.GenerateSchema[noArgs](),
			Handler:     tools.Typed(b.submitSearch),
			Timeout:     t,
		},
		{
			Name:        "switch_tab",
			Description: "Switch to the browser tab at the given position.",
			Parameters:  tools.GenerateSchema[indexArgs](),
			Handler:     tools.Typed(b.switchTab),
			Timeout:     t,
		},
		{
			Name:        "close_tab",
			Description: "Close the current browser tab.",
			Parameters:  tools.GenerateSchema[noArgs](),
			Handler:     tools.Typed(b.closeTab),
			Timeout:     t,
		},
		{
			Name:        "close_tab_by_index",
			Description: "Close the browser tab at the given position.",
			Parameters:  tools.GenerateSchema[indexArgs](),
			Handler:     tools.Typed(b.closeTabByIndex),
			Timeout:     t,
		},
		{
			Name:        "close_tab_by_title",
			Description: "Close the first browser tab whose title contains the given text.",
			Parameters:  tools.GenerateSchema[titleArgs](),
			Handler:     tools.Typed(b.closeTabByTitle),
			Timeout:     t,
		},
		{
			Name:        "close_all_tabs",
			Description: "Close every open browser tab.",
			Parameters:  tools.GenerateSchema[noArgs](),
			Handler:     tools.Typed(b.closeAllTabs),
			Timeout:     t,
		},
	}
}

func (b *BrowserTools) openNewTab(ctx context.Context, a openArgs) (string, error) {
	url := strings.TrimSpace(a.URL)
	if url == "" {
		return "No URL given", nil
	}
	if !strings.HasPrefix(url, "http") {
		url = "https://" + url
	}
	title, err := b.driver.OpenTab(ctx, url)
	if err != nil {
		b.logger.Error("failed to open new tab", zap.String("url", url), zap.Error(err))
		return "Failed to open new tab.", nil
	}
	b.logger.Info("opened new tab", zap.String("url", url), zap.String("title", title))
	return fmt.Sprintf("Opened %s", url), nil
}

func (b *BrowserTools) goBack(ctx context.Context, _ noArgs) (string, error) {
	if err := b.driver.Back(ctx); err != nil {
		return b.navFailure("go back", err), nil
	}
	return "Went back", nil
}

func (b *BrowserTools) goForward(ctx context.Context, _ noArgs) (string, error) {
	if err := b.driver.Forward(ctx); err != nil {
		return b.navFailure("go forward", err), nil
	}
	return "Went forward", nil
}

func (b *BrowserTools) navFailure(action string, err error) string {
	if errors.Is(err, ErrNoTab) {
		return "No browser tab is open."
	}
	b.logger.Error("navigation failed", zap.String("action", action), zap.Error(err))
	return fmt.Sprintf("Could not %s.", action)
}

func (b *BrowserTools) scrollPage(ctx context.Context, a scrollArgs) (string, error) {
	if a.Amount == 0 {
		return "Scrolled", nil
	}
	if err := b.driver.Scroll(ctx, a.Amount); err != nil {
		if errors.Is(err, ErrNoTab) {
			return "No browser tab is open.", nil
		}
		b.logger.Error("scroll failed", zap.Int("amount", a.Amount), zap.Error(err))
		return "Failed to scroll", nil
	}
	return "Scrolled", nil
}

func (b *BrowserTools) clickElement(ctx context.Context, a clickArgs) (string, error) {
	target := strings.TrimSpace(a.Target)
	if target == "" {
		return "No element given", nil
	}
	ok, err := b.driver.Click(ctx, target)
	if err != nil {
		if errors.Is(err, ErrNoTab) {
			return "No browser tab is open.", nil
		}
		b.logger.Error("click failed", zap.String("target", target), zap.Error(err))
		return "Click failed.", nil
	}
	if !ok {
		return fmt.Sprintf("Could not find clickable element: %s", target), nil
	}
	b.logger.Info("clicked element", zap.String("target", target))
	return "Clicked successfully.", nil
}

func (b *BrowserTools) findOnPage(ctx context.Context, a findArgs) (string, error) {
	query := strings.TrimSpace(a.Query)
	if query == "" {
		return "No search text given", nil
	}
	n, err := b.driver.FindText(ctx, query)
	if err != nil {
		if errors.Is(err, ErrNoTab) {
			return "No browser tab is open.", nil
		}
		b.logger.Error("find on page failed", zap.String("query", query), zap.Error(err))
		return "Search failed.", nil
	}
	switch n {
	case 0:
		return fmt.Sprintf("%s was not found on the page", query), nil
	case 1:
		return fmt.Sprintf("Found 1 match for %s", query), nil
	default:
		return fmt.Sprintf("Found %d matches for %s", n, query), nil
	}
}

func (b *BrowserTools) closeTab(ctx context.Context, _ noArgs) (string, error) {
	if err := b.driver.CloseTab(ctx); err != nil {
		if errors.Is(err, ErrNoTab) {
			return "No browser tab is open.", nil
		}
		b.logger.Error("failed to close current tab", zap.Error(err))
		return "Could not close current tab.", nil
	}
	b.logger.Info("closed current tab")
	return "Closed current tab.", nil
}

func (b *BrowserTools) smartClick(ctx context.Context, a intentArgs) (string, error) {
	intent := strings.TrimSpace(a.Intent)
	if intent == "" {
		return "No element given", nil
	}
	ok, err := b.driver.ClickText(ctx, intent)
	if err != nil {
		if errors.Is(err, ErrNoTab) {
			return "No browser tab is open.", nil
		}
		b.logger.Error("smart click failed", zap.String("intent", intent), zap.Error(err))
		return "Smart click failed", nil
	}
	if !ok {
		return fmt.Sprintf("Could not locate clickable element related to %s", intent), nil
	}
	b.logger.Info("smart clicked element", zap.String("intent", intent))
	return fmt.Sprintf("Clicked %s", intent), nil
}

func (b *BrowserTools) submitSearch(ctx context.Context, _ noArgs) (string, error) {
	if err := b.driver.PressEnter(ctx); err != nil {
		if errors.Is(err, ErrNoTab) {
			return "No browser tab is open.", nil
		}
		b.logger.Error("search submit failed", zap.Error(err))
		return "Could not submit search", nil
	}
	b.logger.Info("search submitted")
	return "Search submitted", nil
}

func (b *BrowserTools) switchTab(ctx context.Context, a indexArgs) (string, error) {
	if err := b.driver.SwitchTab(ctx, a.Index); err != nil {
		return b.tabFailure("switch tab", a.Index, err, "Failed to switch tab"), nil
	}
	return fmt.Sprintf("Switched to tab %d", a.Index), nil
}

func (b *BrowserTools) closeTabByIndex(ctx context.Context, a indexArgs) (string, error) {
	if err := b.driver.CloseTabAt(ctx, a.Index); err != nil {
		return b.tabFailure("close tab", a.Index, err, fmt.Sprintf("Could not close tab %d.", a.Index)), nil
	}
	b.logger.Info("closed tab", zap.Int("index", a.Index))
	return fmt.Sprintf("Closed tab %d.", a.Index), nil
}

func (b *BrowserTools) tabFailure(action string, index int, err error, fallback string) string {
	switch {
	case errors.Is(err, ErrNoTab):
		return "No browser tab is open."
	case errors.Is(err, ErrTabIndex):
		return fmt.Sprintf("There is no tab %d.", index)
	}
	b.logger.Error("tab action failed", zap.String("action", action), zap.Int("index", index), zap.Error(err))
	return fallback
}

func (b *BrowserTools) closeTabByTitle(ctx context.Context, a titleArgs) (string, error) {
	title := strings.TrimSpace(a.Title)
	if title == "" {
		return "No tab title given", nil
	}
	ok, err := b.driver.CloseTabByTitle(ctx, title)
	if err != nil {
		if errors.Is(err, ErrNoTab) {
			return "No browser tab is open.", nil
		}
		b.logger.Error("failed to close tab by title", zap.String("title", title), zap.Error(err))
		return "Could not close the tab.", nil
	}
	if !ok {
		return fmt.Sprintf("No tab found containing %s.", title), nil
	}
	b.logger.Info("closed tab by title", zap.String("title", title))
	return fmt.Sprintf("Closed tab containing %s.", title), nil
}

func (b *BrowserTools) closeAllTabs(ctx context.Context, _ noArgs) (string, error) {
	if err := b.driver.CloseAllTabs(ctx); err != nil {
		b.logger.Error("failed to close all tabs", zap.Error(err))
		return "Could not close all tabs.", nil
	}
	b.logger.Info("closed all tabs")
	return "All tabs closed.", nil
}
