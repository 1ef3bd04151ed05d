// 版权所有 2024 ContextFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供检索引擎的多级缓存能力：内存层负责低延迟命中，
可选的持久层（SQL 或 Redis）负责跨进程共享与重启保留。

# 概述

引擎维护三个逻辑缓存，通过键命名空间区分：
query（查询级检索结果）、emb（文本向量）、result（最终组装上下文）。
缓存键由命名空间加输入的规范化 JSON 的 SHA-256 前 16 字节十六进制构成，
相同输入必然产生相同键。

# 核心类型

  - Store：持久层抽象，Get/Set/Delete/Close 四个方法，
    未命中返回 ErrCacheMiss。内置 SQLStore 与 RedisStore 两个实现，
    任何远端 KV 服务都可以通过实现该接口接入。
  - MemoryStore：进程内 LRU 存储，超过容量时按最近访问时间
    批量淘汰最旧的一批条目。
  - Layered：组合内存层与持久层的读写入口，持久层命中时回填内存层，
    持久层 IO 错误按未命中处理，不会让请求失败。
  - Config：容量、淘汰比例与三个命名空间各自的 TTL。

# 主要能力

  - 键值读写：GetJSON/SetJSON 负责值的序列化与过期信封管理。
  - 过期语义：读到过期条目时删除并按未命中处理。
  - 批量淘汰：内存层超限时按 lastAccessed 淘汰最旧的 20%。
  - 错误语义：提供 ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
