// Package tlsutil 集中出站连接的 TLS 设置（TLS 1.2+，仅 AEAD 套件），
// 供记忆平台客户端、网页工具与 Redis 连接共用。
package tlsutil
