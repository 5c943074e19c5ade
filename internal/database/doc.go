// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责 handoffd 请求归档库的连接：按驱动打开 GORM 连接
（postgres、mysql，以及纯 Go 的 sqlite），并由 PoolManager 管理连接池。

# 核心类型

  - Open / Dialector：按配置的驱动名选择方言并建立连接。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB、Ping、Stats、
    GetStats 与 Close；后台健康检查可通过 StatsReporter 把连接数
    上报到 Prometheus。
  - PoolConfig：最大空闲与打开连接数、生命周期、空闲超时、健康检查间隔。
*/
package database
