// 版权所有 2026 Claudette Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖路由、缓存、
熔断器与 RAG 多路复用器四大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
配合独立 Registry 注册，避免进程级全局状态。所有指标按 namespace
隔离，支持多维度 label 分组；本包只负责注册与记录，HTTP 暴露端点
由嵌入进程自行决定。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 路由指标：backend 调用总数、调用耗时、Token 用量（prompt/completion）、
    调用成本，按 backend/outcome 分组。
  - 缓存指标：响应缓存命中与未命中计数。
  - 熔断器指标：每个 backend 的熔断器状态 Gauge（closed/half_open/open）。
  - RAG 指标：多路复用器队列深度 Gauge、worker 调用计数，
    按 worker/status 分组。
*/
package metrics
