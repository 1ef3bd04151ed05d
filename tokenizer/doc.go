// Package tokenizer 提供检索引擎的文本归一化与 Token 计数能力：
// BM25 词法分析（小写化、停用词、数字折叠、后缀词干化）以及
// tiktoken 精确计数与字符估算两种 Token 计数器。
package tokenizer
