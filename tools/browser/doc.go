/*
Package browser 提供浏览器标签页工具：打开、前进后退、滚动、点击、页内查找与关闭。

底层 Driver 默认基于 chromedp，浏览器在第一次打开标签页时才启动，
活动标签页总是最近打开的那个。所有工具只返回字符串，失败也不例外。
*/
package browser
