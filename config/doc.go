// Copyright 2026 Claudette Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config 提供 Claudette 路由器的配置管理功能。

# 概述

config 包负责 Config（backends/cache/router/health/retry/rag/server
各节）的完整生命周期管理：多源加载、运行时热重载与变更审计。配置按
"默认值 -> YAML 文件 -> 环境变量" 的优先级合并，YAML 层拒绝未知字段。
internal/lifecycle 在启动时加载一次，并在 HotReloadManager 触发重载回调时
重建 backend 注册表；RAG worker 池不随重载重建。

# 核心结构

  - Config: 顶层配置聚合，涵盖 Backends、Cache、Router、Health、Retry、
    RAG、Server、Log
  - Loader: 配置加载器，支持 Builder 模式链式设置文件路径、环境变量前缀
    与自定义验证器
  - HotReloadManager: 热重载管理器，支持文件监听、局部字段更新、变更
    回调与变更历史
  - FileWatcher: 文件变更监听器，基于轮询 + 去抖机制触发配置重载

# 主要能力

  - 多源加载: YAML 文件、环境变量（CLAUDETTE_ 前缀）、默认值
  - 热重载: 文件监听自动触发重载回调，支持字段级更新
  - 安全治理: 敏感字段脱敏
  - 变更审计: 环形缓冲历史记录
  - 配置验证: Config.Validate 校验 backend 列表、并发上限等不变量

# 使用示例

	cfg, err := config.NewLoader().
		WithConfigPath("claudette.yaml").
		WithEnvPrefix("CLAUDETTE").
		Load()
*/
package config
