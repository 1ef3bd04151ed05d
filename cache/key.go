package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/contextflow/internal/pool"
)

// Key 由命名空间与输入生成确定性缓存键。
// 各输入按顺序编码为 JSON（map 键经 encoding/json 排序），
// 取拼接结果 SHA-256 的前 16 字节十六进制。
func Key(namespace string, parts ...any) string {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	enc := json.NewEncoder(buf)
	for _, p := range parts {
		if err := enc.Encode(p); err != nil {
			// fallback: 使用 fmt.Fprintf 生成确定性字符串避免 key 碰撞
			fmt.Fprintf(buf, "%v\n", p)
		}
	}

	hash := sha256.Sum256(buf.Bytes())
	return namespace + ":" + hex.EncodeToString(hash[:16]) // 使用前 16 字节
}

// namespaceOf 从缓存键中提取命名空间，用于指标标签
func namespaceOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return "unknown"
}
