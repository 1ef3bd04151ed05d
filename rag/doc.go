// Copyright 2025-2026 ContextFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package rag 提供混合检索与上下文组装引擎的核心实现。

该包覆盖检索管线的全部阶段：文档分块、BM25 词法索引、向量索引、
混合检索（融合 / 重排 / 多样性选择）、查询优化、块级压缩与去重、
来源归因，并由 Engine 门面将全部阶段编排为一条管线。

# 核心接口/类型

  - Engine — 引擎门面（IndexDocuments / IndexText / Retrieve / BuildContext / Stats / Close）
  - Chunker — 文档分块器（semantic / recursive / hierarchical 三种策略）
  - BM25Index — 增量词法索引（k1=1.5, b=0.75）
  - VectorStore — 向量索引统一接口（Add / Query / Len / Clear）
  - HybridRetriever — 混合检索器（RRF / 加权融合，重排，MMR）
  - QueryOptimizer — 查询优化器（expansion / multi_query / decomposition / hyde / section / auto）
  - ChunkRanker / ChunkCompressor — 块重排、去重与压缩
  - SourceAttributor — 来源可信度 / 新近度 / 置信度评分与引文渲染

# 主要能力

  - 文档分块：语义、递归、父子层级三种策略，派生标志与类别估计
  - 混合检索：词法与向量双路并行，RRF 或加权归一融合，可选重排与 MMR
  - 查询优化：同义扩展、多查询改写、子查询分解、HyDE、章节模板
  - 上下文组装：压缩、令牌预算、来源归因一体化（BuildContext）
  - 索引发布：构建后整代原子切换，读取方永不见到半成品索引
  - 降级路径：外部提供者不可用时按既定回退继续服务，绝不让查询失败
*/
package rag
