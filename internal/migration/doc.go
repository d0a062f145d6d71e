// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 SQL 记忆后端使用的 user_facts 表结构。

迁移文件按方言（postgres/mysql/sqlite）内嵌在 migrations/ 下，
由 golang-migrate 执行。DefaultMigrator 提供 Up/Down/Steps/Force/
Version/Status；CLI 为 voxagent migrate 子命令格式化输出。
NewMigratorFromConfig 直接复用应用的 database 配置段。
*/
package migration
