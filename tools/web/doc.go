// Package web 提供 web_search、get_weather 与 scrape_page 三个网络工具。
//
// 搜索默认使用 DuckDuckGo 的 HTML 端点，可通过 SearchProvider 替换；
// 页面文本用 golang.org/x/net/html 解析，丢弃 script / style / noscript。
package web
