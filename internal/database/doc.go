// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为 SQL 记忆后端打开 GORM 连接并管理连接池。

Open 按 database.driver 选择 postgres、mysql 或 sqlite 方言（无 cgo
构建时 sqlite 使用纯 Go 实现），再交给 PoolManager 设置连接池参数、
后台健康检查与关闭。表结构由 internal/migration 维护。
*/
package database
