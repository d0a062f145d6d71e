package browser

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/llm/tools"
	"github.com/BaSui01/voxagent/types"
)

// testDriver 用 URL 充当标签页标题。
type testDriver struct {
	tabs      []string
	active    int
	openFn    func(url string) (string, error)
	clickFn   func(target string) (bool, error)
	findFn    func(query string) (int, error)
	enterErr  error
	enters    int
	scrolled  []int
	backCalls int
	closed    bool
}

func (d *testDriver) removeAt(i int) {
	d.tabs = append(d.tabs[:i], d.tabs[i+1:]...)
	if i < d.active {
		d.active--
	} else if d.active >= len(d.tabs) {
		d.active = len(d.tabs) - 1
	}
}

func (d *testDriver) OpenTab(_ context.Context, url string) (string, error) {
	if d.openFn != nil {
		if _, err := d.openFn(url); err != nil {
			return "", err
		}
	}
	d.tabs = append(d.tabs, url)
	d.active = len(d.tabs) - 1
	return "title", nil
}

func (d *testDriver) Back(context.Context) error {
	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	d.backCalls++
	return nil
}

func (d *testDriver) Forward(context.Context) error {
	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	return errors.New("no forward history")
}

func (d *testDriver) Scroll(_ context.Context, deltaY int) error {
	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	d.scrolled = append(d.scrolled, deltaY)
	return nil
}

func (d *testDriver) Click(_ context.Context, target string) (bool, error) {
	return d.clickFn(target)
}

func (d *testDriver) FindText(_ context.Context, query string) (int, error) {
	return d.findFn(query)
}

func (d *testDriver) CloseTab(context.Context) error {
	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	d.removeAt(d.active)
	return nil
}

func (d *testDriver) ClickText(_ context.Context, intent string) (bool, error) {
	return d.clickFn(intent)
}

func (d *testDriver) PressEnter(context.Context) error {
	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	if d.enterErr != nil {
		return d.enterErr
	}
	d.enters++
	return nil
}

func (d *testDriver) SwitchTab(_ context.Context, index int) error {
	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	if index < 0 || index >= len(d.tabs) {
		return ErrTabIndex
	}
	d.active = index
	return nil
}

func (d *testDriver) CloseTabAt(_ context.Context, index int) error {
	if len(d.tabs) == 0 {
		return ErrNoTab
	}
	if index < 0 || index >= len(d.tabs) {
		return ErrTabIndex
	}
	d.removeAt(index)
	return nil
}

func (d *testDriver) CloseTabByTitle(_ context.Context, title string) (bool, error) {
	if len(d.tabs) == 0 {
		return false, ErrNoTab
	}
	for i, t := range d.tabs {
		if strings.Contains(strings.ToLower(t), strings.ToLower(title)) {
			d.removeAt(i)
			return true, nil
		}
	}
	return false, nil
}

func (d *testDriver) CloseAllTabs(context.Context) error {
	d.tabs, d.active = nil, 0
	return nil
}

func (d *testDriver) Close() error {
	d.closed = true
	return nil
}

func newTestExecutor(t *testing.T, d Driver) *tools.Executor {
	t.Helper()
	reg := tools.NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register(New(Config{}, d, zap.NewNop()).Tools()...))
	return tools.NewExecutor(reg, zap.NewNop())
}

func call(t *testing.T, e *tools.Executor, name string, args any) string {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res := e.ExecuteOne(context.Background(), types.ToolCall{ID: "c", Name: name, Arguments: raw})
	return res.Output
}

func TestBrowserTools_Tabs(t *testing.T) {
	d := &testDriver{}
	e := newTestExecutor(t, d)

	assert.Equal(t, "No browser tab is open.", call(t, e, "go_back", map[string]any{}))

	assert.Equal(t, "Opened https://example.com", call(t, e, "open_new_tab", map[string]string{"url": "example.com"}))
	assert.Equal(t, "Opened http://localhost:8080", call(t, e, "open_new_tab", map[string]string{"url": "http://localhost:8080"}))
	assert.Equal(t, []string{"https://example.com", "http://localhost:8080"}, d.tabs)

	assert.Equal(t, "Went back", call(t, e, "go_back", map[string]any{}))
	assert.Equal(t, 1, d.backCalls)
	assert.Equal(t, "Could not go forward.", call(t, e, "go_forward", map[string]any{}))

	assert.Equal(t, "Scrolled", call(t, e, "scroll_page", map[string]int{"amount": -300}))
	assert.Equal(t, []int{-300}, d.scrolled)

	assert.Equal(t, "Closed current tab.", call(t, e, "close_tab", map[string]any{}))
	assert.Equal(t, "Closed current tab.", call(t, e, "close_tab", map[string]any{}))
	assert.Equal(t, "No browser tab is open.", call(t, e, "close_tab", map[string]any{}))
}

func TestBrowserTools_TabManagement(t *testing.T) {
	d := &testDriver{}
	e := newTestExecutor(t, d)

	assert.Equal(t, "No browser tab is open.", call(t, e, "switch_tab", map[string]int{"index": 0}))

	for _, url := range []string{"go.dev", "github.com/golang/go", "news.ycombinator.com", "example.org"} {
		call(t, e, "open_new_tab", map[string]string{"url": url})
	}
	assert.Equal(t, 3, d.active)

	assert.Equal(t, "Switched to tab 1", call(t, e, "switch_tab", map[string]int{"index": 1}))
	assert.Equal(t, 1, d.active)
	assert.Equal(t, "There is no tab 9.", call(t, e, "switch_tab", map[string]int{"index": 9}))
	assert.Equal(t, 1, d.active)

	// 关闭活动页之前的标签页，活动页保持不变
	assert.Equal(t, "Closed tab 0.", call(t, e, "close_tab_by_index", map[string]int{"index": 0}))
	assert.Equal(t, "https://github.com/golang/go", d.tabs[d.active])
	assert.Equal(t, "There is no tab 5.", call(t, e, "close_tab_by_index", map[string]int{"index": 5}))

	assert.Equal(t, "Closed tab containing YCOMBINATOR.", call(t, e, "close_tab_by_title", map[string]string{"title": "YCOMBINATOR"}))
	assert.Equal(t, "No tab found containing reddit.", call(t, e, "close_tab_by_title", map[string]string{"title": "reddit"}))
	assert.Equal(t, []string{"https://github.com/golang/go", "https://example.org"}, d.tabs)

	assert.Equal(t, "Closed current tab.", call(t, e, "close_tab", map[string]any{}))
	assert.Equal(t, []string{"https://example.org"}, d.tabs)

	assert.Equal(t, "All tabs closed.", call(t, e, "close_all_tabs", map[string]any{}))
	assert.Empty(t, d.tabs)
	assert.Equal(t, "No browser tab is open.", call(t, e, "close_tab_by_title", map[string]string{"title": "x"}))
}

func TestBrowserTools_SmartClickAndSubmit(t *testing.T) {
	d := &testDriver{clickFn: func(intent string) (bool, error) {
		switch intent {
		case "search box":
			return true, nil
		case "broken":
			return false, errors.New("execution context destroyed")
		}
		return false, nil
	}}
	e := newTestExecutor(t, d)

	assert.Equal(t, "No browser tab is open.", call(t, e, "submit_search", map[string]any{}))
	call(t, e, "open_new_tab", map[string]string{"url": "duckduckgo.com"})

	assert.Equal(t, "Clicked search box", call(t, e, "smart_click", map[string]string{"intent": "search box"}))
	assert.Equal(t, "Could not locate clickable element related to cart", call(t, e, "smart_click", map[string]string{"intent": "cart"}))
	assert.Equal(t, "Smart click failed", call(t, e, "smart_click", map[string]string{"intent": "broken"}))

	assert.Equal(t, "Search submitted", call(t, e, "submit_search", map[string]any{}))
	assert.Equal(t, 1, d.enters)
	d.enterErr = errors.New("target closed")
	assert.Equal(t, "Could not submit search", call(t, e, "submit_search", map[string]any{}))
}

func TestBrowserTools_OpenFailure(t *testing.T) {
	d := &testDriver{openFn: func(string) (string, error) { return "", errors.New("chrome not found") }}
	e := newTestExecutor(t, d)
	assert.Equal(t, "Failed to open new tab.", call(t, e, "open_new_tab", map[string]string{"url": "example.com"}))
}

func TestBrowserTools_Click(t *testing.T) {
	d := &testDriver{clickFn: func(target string) (bool, error) {
		switch target {
		case "Sign in":
			return true, nil
		case "#boom":
			return false, errors.New("target crashed")
		}
		return false, nil
	}}
	e := newTestExecutor(t, d)

	assert.Equal(t, "Clicked successfully.", call(t, e, "click_element", map[string]string{"target": "Sign in"}))
	assert.Equal(t, "Could not find clickable element: Checkout", call(t, e, "click_element", map[string]string{"target": "Checkout"}))
	assert.Equal(t, "Click failed.", call(t, e, "click_element", map[string]string{"target": "#boom"}))
}

func TestBrowserTools_FindOnPage(t *testing.T) {
	d := &testDriver{findFn: func(query string) (int, error) {
		switch query {
		case "price":
			return 3, nil
		case "total":
			return 1, nil
		case "err":
			return 0, ErrNoTab
		}
		return 0, nil
	}}
	e := newTestExecutor(t, d)

	assert.Equal(t, "Found 3 matches for price", call(t, e, "find_on_page", map[string]string{"query": "price"}))
	assert.Equal(t, "Found 1 match for total", call(t, e, "find_on_page", map[string]string{"query": "total"}))
	assert.Equal(t, "coupon was not found on the page", call(t, e, "find_on_page", map[string]string{"query": "coupon"}))
	assert.Equal(t, "No browser tab is open.", call(t, e, "find_on_page", map[string]string{"query": "err"}))
}

func TestBrowserTools_Close(t *testing.T) {
	d := &testDriver{}
	b := New(Config{}, d, nil)
	require.NoError(t, b.Close())
	assert.True(t, d.closed)
}

func TestNewChromeDPDriver_Defaults(t *testing.T) {
	d := NewChromeDPDriver(Config{}, nil)
	assert.Equal(t, DefaultConfig().Timeout, d.config.Timeout)

	_, err := d.FindText(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoTab)
	assert.ErrorIs(t, d.CloseTab(context.Background()), ErrNoTab)
	assert.ErrorIs(t, d.SwitchTab(context.Background(), 0), ErrNoTab)
	assert.ErrorIs(t, d.CloseTabAt(context.Background(), 0), ErrNoTab)
	_, err = d.CloseTabByTitle(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoTab)
	assert.NoError(t, d.CloseAllTabs(context.Background()))
	assert.NoError(t, d.Close())
}
