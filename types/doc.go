// Copyright (c) ContextFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 ContextFlow 检索引擎的全局共享类型定义。

# 概述

types 是引擎最底层的公共包，不依赖任何内部包，为 rag、budget、cache、
provider 等上层模块提供统一的类型契约。所有跨包共享的结构体、枚举和
错误码均定义于此，以避免循环依赖。

# 核心类型

  - DocumentChunk    — 索引与检索的基本单元（id、层级、父子引用、派生标记）
  - HybridResult     — 单次查询的融合检索结果（语义分、词法分、重排分、rank）
  - AttributedSource — 来源归因条目（可信度、新鲜度、置信度、摘录）
  - Vector           — 外部 Embedder 返回的稠密向量（[]float32）
  - Error / ErrorCode — 结构化错误体系，含 Retryable 与 Provider 标记

# 主要能力

  - 错误工具链：WithCause / WithRetryable / IsRetryable / GetErrorCode / IsCode
  - 常用错误构造：NewConfigurationError / NewIndexNotBuiltError / NewUnavailableError
  - 内容类型枚举：text / table / list / code
*/
package types
