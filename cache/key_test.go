package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey_Deterministic(t *testing.T) {
	k1 := Key(NamespaceQuery, "market growth", 10, map[string]string{"b": "2", "a": "1"})
	k2 := Key(NamespaceQuery, "market growth", 10, map[string]string{"a": "1", "b": "2"})

	assert.Equal(t, k1, k2, "相同输入必须产生相同键，map 键序不影响结果")
}

func TestKey_NamespacePrefix(t *testing.T) {
	k := Key(NamespaceEmbedding, "some text")

	assert.True(t, strings.HasPrefix(k, "emb:"))
	// 命名空间 + 冒号 + 32 个十六进制字符
	assert.Len(t, k, len(NamespaceEmbedding)+1+32)
}

func TestKey_DifferentInputs(t *testing.T) {
	base := Key(NamespaceQuery, "query", 5)

	assert.NotEqual(t, base, Key(NamespaceQuery, "query", 6), "参数不同键必须不同")
	assert.NotEqual(t, base, Key(NamespaceQuery, "other", 5))
	assert.NotEqual(t, base, Key(NamespaceResult, "query", 5), "命名空间不同键必须不同")
}

func TestNamespaceOf(t *testing.T) {
	assert.Equal(t, "query", namespaceOf("query:abc123"))
	assert.Equal(t, "emb", namespaceOf("emb:ffff"))
	assert.Equal(t, "unknown", namespaceOf("nocolon"))
}
