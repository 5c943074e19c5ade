// Package config 提供 handoffd 的配置管理。
//
// 配置按 默认值 → YAML 文件 → HANDOFFD_* 环境变量 的顺序叠加，
// 最后由 Validate 统一校验。组件级配置（escalation、browser、
// TTL 表）直接复用组件自己的类型。
package config
