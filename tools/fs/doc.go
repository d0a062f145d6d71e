// Package fs 提供语音助手可调用的本地文件工具：读取、写入、列目录、
// 创建、移动、复制与删除（删除需要用户确认）。
//
// 所有路径都解析到配置的沙箱根目录内，支持 ~ 与 desktop / downloads /
// documents 等口语化别名。工具从不返回错误，失败以可朗读的字符串返回。
package fs
