// 版权所有 2024 ContextFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的检索引擎指标采集能力，覆盖
检索、索引、外部提供者、缓存与 HTTP 五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
工厂配合可注入的 Registerer，测试中可传入独立 Registry 避免重复
注册。所有指标按 namespace 隔离，支持多维度 label 分组。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 指标，按业务域分组管理；nil 接收者上的记录方法
    为空操作，库模式下关闭指标无需条件判断。

# 主要能力

  - 检索指标：请求总数、耗时、返回结果数，按 mode/status 分组。
  - 索引指标：已索引 chunk 数、构建次数与耗时、当前索引代号。
  - 提供者指标：embedder/reranker/generator 调用计数与耗时、
    降级路径计数（lexical_only / fused_order / raw_query）。
  - 缓存指标：命中（按 cache_type/tier）与未命中计数。
  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
*/
package metrics
