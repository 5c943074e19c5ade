// Package telemetry 封装 OpenTelemetry SDK 初始化，为 handoffd 配置
// OTLP gRPC 的 TracerProvider 与 MeterProvider。
// 遥测禁用时使用 noop 实现，不连接任何外部服务。
package telemetry
