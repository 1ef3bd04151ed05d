// Package provider 定义引擎与外部模型能力之间的边界契约：
// Embedder（批量向量化）、Reranker（交叉编码重排）、Generator（文本生成），
// 以及统一应用在三者之上的指数退避重试与速率限制装饰器。
// 引擎只依赖这些接口，不关心背后是哪家 API。
package provider
