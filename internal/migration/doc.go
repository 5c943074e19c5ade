// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 handoff_requests 表的 Schema 版本，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

各方言的 SQL 通过 embed.FS 内嵌在二进制中，database.driver 选择
对应目录。GormStore 在开发环境可以直接 AutoMigrate；生产环境应在
部署前执行 handoffd migrate up。

# 核心类型

  - Migrator / DefaultMigrator：Up、Down、Steps、Goto、Force 等操作。
  - CLI：handoffd migrate 子命令的分派与终端输出。
  - NewMigratorFromDatabaseConfig：从 config.DatabaseConfig 构建迁移器。

SQLite 迁移走 mattn/go-sqlite3（驱动名 sqlite3，需要 cgo），与运行时
GormStore 使用的纯 Go 驱动 sqlite 相互独立。
*/
package migration
