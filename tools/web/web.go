package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/internal/tlsutil"
	"github.com/BaSui01/voxagent/llm/tools"
)

const (
	defaultUserAgent = "Mozilla/5.0 (voxagent/1.0)"
	// maxBodyBytes 限制下载的页面大小
	maxBodyBytes = 4 << 20
)

// Config 配置网络工具。
type Config struct {
	SearchURL  string        `yaml:"search_url" json:"search_url"`
	WeatherURL string        `yaml:"weather_url" json:"weather_url"`
	UserAgent  string        `yaml:"user_agent" json:"user_agent"`
	MaxChars   int           `yaml:"max_chars" json:"max_chars"`
	MaxResults int           `yaml:"max_results" json:"max_results"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	// RateLimitPerMinute 限制每个网络工具每分钟的调用次数，0 表示不限。
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SearchURL:          "https://html.duckduckgo.com/html/",
		WeatherURL:         "https://wttr.in/",
		UserAgent:          defaultUserAgent,
		MaxChars:           4000,
		MaxResults:         5,
		Timeout:            10 * time.Second,
		RateLimitPerMinute: 30,
	}
}

// WebTools 提供网络搜索、天气查询与网页抓取工具。
type WebTools struct {
	config Config
	client *http.Client
	search SearchProvider
	logger *zap.Logger
}

// Option customizes WebTools.
type Option func(*WebTools)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *WebTools) { w.client = c }
}

// WithSearchProvider replaces the default DuckDuckGo provider.
func WithSearchProvider(p SearchProvider) Option {
	return func(w *WebTools) { w.search = p }
}

// New creates web tools.
func New(config Config, logger *zap.Logger, opts ...Option) *WebTools {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.SearchURL == "" {
		config.SearchURL = defaults.SearchURL
	}
	if config.WeatherURL == "" {
		config.WeatherURL = defaults.WeatherURL
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.MaxChars <= 0 {
		config.MaxChars = defaults.MaxChars
	}
	if config.MaxResults <= 0 {
		config.MaxResults = defaults.MaxResults
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	w := &WebTools{
		config: config,
		client: tlsutil.SecureHTTPClient(config.Timeout),
		logger: logger.With(zap.String("component", "web_tools")),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.search == nil {
		w.search = &DuckDuckGo{BaseURL: config.SearchURL, UserAgent: config.UserAgent, Client: w.client}
	}
	return w
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=What to search the web for"`
}

type weatherArgs struct {
	City string `json:"city" jsonschema:"description=City name"`
}

type scrapeArgs struct {
	URL      string `json:"url" jsonschema:"description=Page URL; https:// is assumed when missing"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"description=Maximum characters of page text to return"`
}

// Tools returns the web tools for registration.
func (w *WebTools) Tools() []tools.Tool {
	var limit *tools.RateLimitConfig
	if w.config.RateLimitPerMinute > 0 {
		limit = &tools.RateLimitConfig{MaxCalls: w.config.RateLimitPerMinute, Window: time.Minute}
	}
	return []tools.Tool{
		{
			Name:        "web_search",
			Description: "Search the web and return the top results with titles, snippets and links.",
			Parameters:  tools.GenerateSchema[searchArgs](),
			Handler:     tools.Typed(w.webSearch),
			Timeout:     w.config.Timeout,
			RateLimit:   limit,
		},
		{
			Name:        "get_weather",
			Description: "Get the current weather for a city.",
			Parameters:  tools.GenerateSchema[weatherArgs](),
			Handler:     tools.Typed(w.getWeather),
			Timeout:     w.config.Timeout,
			RateLimit:   limit,
		},
		{
			Name:        "scrape_page",
			Description: "Fetch a web page and return its readable text.",
			Parameters:  tools.GenerateSchema[scrapeArgs](),
			Handler:     tools.Typed(w.scrapePage),
			Timeout:     w.config.Timeout,
			RateLimit:   limit,
		},
	}
}

func (w *WebTools) webSearch(ctx context.Context, a searchArgs) (string, error) {
	query := strings.TrimSpace(a.Query)
	if query == "" {
		return "No search query given", nil
	}

	start := time.Now()
	results, err := w.search.Search(ctx, query, w.config.MaxResults)
	if err != nil {
		w.logger.Error("web search failed", zap.String("query", query), zap.Error(err))
		return fmt.Sprintf("An error occurred while searching for %s", query), nil
	}
	w.logger.Info("web search completed",
		zap.String("query", query),
		zap.String("provider", w.search.Name()),
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)))

	if len(results) == 0 {
		return fmt.Sprintf("No results found for %s", query), nil
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s", i+1, r.Title)
		if r.Snippet != "" {
			fmt.Fprintf(&b, " - %s", r.Snippet)
		}
		if r.URL != "" {
			fmt.Fprintf(&b, " (%s)", r.URL)
		}
		b.WriteByte('\n')
	}
	return truncate(strings.TrimSpace(b.String()), w.config.MaxChars), nil
}

func (w *WebTools) getWeather(ctx context.Context, a weatherArgs) (string, error) {
	city := strings.TrimSpace(a.City)
	if city == "" {
		return "No city given", nil
	}

	u := strings.TrimRight(w.config.WeatherURL, "/") + "/" + url.PathEscape(city) + "?format=3"
	body, status, err := w.get(ctx, u)
	if err != nil {
		w.logger.Error("weather request failed", zap.String("city", city), zap.Error(err))
		return fmt.Sprintf("An error occurred while retrieving weather for %s", city), nil
	}
	text := strings.TrimSpace(string(body))
	if status != http.StatusOK {
		w.logger.Warn("weather request returned non-200", zap.String("city", city), zap.Int("status", status))
		if text == "" {
			return fmt.Sprintf("Could not get the weather for %s", city), nil
		}
	} else {
		w.logger.Info("weather fetched", zap.String("city", city), zap.String("weather", text))
	}
	return text, nil
}

func (w *WebTools) scrapePage(ctx context.Context, a scrapeArgs) (string, error) {
	target := strings.TrimSpace(a.URL)
	if target == "" {
		return "No URL given", nil
	}
	if !strings.HasPrefix(target, "http") {
		target = "https://" + target
	}
	limit := w.config.MaxChars
	if a.MaxChars > 0 && a.MaxChars < limit {
		limit = a.MaxChars
	}

	w.logger.Info("scraping page", zap.String("url", target))
	body, status, err := w.get(ctx, target)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			w.logger.Error("scrape timed out", zap.String("url", target), zap.Error(err))
			return "Request timed out while accessing the web page.", nil
		}
		w.logger.Error("scrape failed", zap.String("url", target), zap.Error(err))
		return "An unexpected error occurred while scraping the web page.", nil
	}
	if status >= 400 {
		w.logger.Error("scrape http error", zap.String("url", target), zap.Int("status", status))
		return "Failed to retrieve the page due to HTTP error.", nil
	}

	text, err := ExtractText(bytes.NewReader(body))
	if err != nil {
		w.logger.Error("parse page failed", zap.String("url", target), zap.Error(err))
		return "An unexpected error occurred while scraping the web page.", nil
	}
	if text == "" {
		return "No readable content found on the page.", nil
	}
	cleaned := truncate(text, limit)
	w.logger.Info("scraped page", zap.String("url", target), zap.Int("chars", len([]rune(cleaned))))
	return cleaned, nil
}

func (w *WebTools) get(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", w.config.UserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}
