package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONContext_BasicOperations(t *testing.T) {
	ctx := NewJSONContext(nil)

	require.NoError(t, ctx.Set([]string{"user", "name"}, "张三"))
	require.NoError(t, ctx.Set([]string{"user", "age"}, int64(25)))
	require.NoError(t, ctx.Set([]string{"user", "active"}, true))
	require.NoError(t, ctx.Set([]string{"score"}, 98.5))
	assert.Error(t, ctx.Set(nil, 1))

	name, ok := ctx.GetString("user", "name")
	assert.True(t, ok)
	assert.Equal(t, "张三", name)

	age, ok := ctx.GetInt64("user", "age")
	assert.True(t, ok)
	assert.Equal(t, int64(25), age)

	active, ok := ctx.GetBool("user", "active")
	assert.True(t, ok)
	assert.True(t, active)

	score, ok := ctx.GetFloat64("score")
	assert.True(t, ok)
	assert.Equal(t, 98.5, score)

	// 类型不对
	_, ok = ctx.GetString("user", "age")
	assert.False(t, ok)
	_, ok = ctx.Get()
	assert.False(t, ok)
}

func TestJSONContext_FromBytes(t *testing.T) {
	ctx := NewJSONContext([]byte(`{
		"workflow_instance_id": 12345,
		"node_id": "review",
		"signal": {"approved": true, "ts": 1640000000},
		"items": [{"sku": "a"}, {"sku": "b"}]
	}`))

	id, ok := ctx.GetInt64("workflow_instance_id")
	assert.True(t, ok)
	assert.Equal(t, int64(12345), id)

	ts, ok := ctx.GetInt64("signal", "ts")
	assert.True(t, ok)
	assert.Equal(t, int64(1640000000), ts)

	sku, ok := ctx.GetString("items", "1", "sku")
	assert.True(t, ok)
	assert.Equal(t, "b", sku)

	_, ok = ctx.Get("items", "2", "sku")
	assert.False(t, ok)
	_, ok = ctx.Get("items", "x")
	assert.False(t, ok)

	// 不是合法 json 得到空上下文
	assert.Empty(t, NewJSONContext([]byte("not json")).ToMap())
}

func TestJSONContext_GetPath(t *testing.T) {
	ctx := NewJSONContextFromMap(map[string]any{
		"nodes": map[string]any{
			"A": map[string]any{"output": map[string]any{"result": "ok", "list": []any{1.0, 2.0}}},
		},
	})
	v, ok := ctx.GetPath("nodes.A.output.result")
	assert.True(t, ok)
	assert.Equal(t, "ok", v)

	v, ok = ctx.GetPath("nodes.A.output.list.1")
	assert.True(t, ok)
	assert.Equal(t, 2.0, v)

	_, ok = ctx.GetPath("nodes.B.output")
	assert.False(t, ok)
	_, ok = ctx.GetPath("")
	assert.False(t, ok)
}

func TestJSONContext_ToBytes(t *testing.T) {
	ctx := NewJSONContext(nil)
	_ = ctx.Set([]string{"name"}, "测试")
	_ = ctx.Set([]string{"count"}, int64(100))

	b, err := ctx.ToBytes()
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(b, &result))
	assert.Equal(t, "测试", result["name"])
	assert.Equal(t, float64(100), result["count"])
}

func TestJSONContext_Delete(t *testing.T) {
	ctx := NewJSONContext([]byte(`{"field1": "value1", "nested": {"field2": "value2", "field3": 1}}`))

	ctx.Delete("field1")
	_, ok := ctx.GetString("field1")
	assert.False(t, ok)

	ctx.Delete("nested", "field2")
	_, ok = ctx.GetString("nested", "field2")
	assert.False(t, ok)
	_, ok = ctx.Get("nested", "field3")
	assert.True(t, ok)

	// 路径不存在不报错
	ctx.Delete("missing", "field")
	ctx.Delete()
}

func TestJSONContext_Clone(t *testing.T) {
	original := NewJSONContext([]byte(`{"name": "原始", "tags": ["a"], "meta": {"k": "v"}}`))
	cloned := original.Clone()

	_ = cloned.Set([]string{"name"}, "克隆")
	_ = cloned.Set([]string{"meta", "k"}, "changed")
	cloned.ToMap()["tags"].([]any)[0] = "b"

	name, _ := original.GetString("name")
	assert.Equal(t, "原始", name)
	k, _ := original.GetString("meta", "k")
	assert.Equal(t, "v", k)
	tag, _ := original.GetString("tags", "0")
	assert.Equal(t, "a", tag)
}

func TestJSONContext_Unmarshal(t *testing.T) {
	ctx := NewJSONContext([]byte(`{"applicant": "li", "amount": 300, "email": "test@example.com"}`))

	type Application struct {
		Applicant string `json:"applicant"`
		Amount    int    `json:"amount"`
		Email     string `json:"email"`
	}
	var app Application
	require.NoError(t, ctx.Unmarshal(&app))
	assert.Equal(t, Application{Applicant: "li", Amount: 300, Email: "test@example.com"}, app)
}

func TestJSONContext_Flatten(t *testing.T) {
	ctx := NewJSONContextFromMap(map[string]any{
		"a": map[string]any{"b": 1.0, "c": []any{"x", map[string]any{"d": true}}},
		"e": map[string]any{},
		"f": []any{},
		"g": "leaf",
	})
	flat := ctx.Flatten()
	assert.Equal(t, map[string]any{
		"a.b":     1.0,
		"a.c.0":   "x",
		"a.c.1.d": true,
		"e":       map[string]any{},
		"f":       []any{},
		"g":       "leaf",
	}, flat)

	// 每个展开的路径都能在原结构里查到同样的值
	for path, want := range flat {
		got, ok := ctx.GetPath(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}

	assert.Equal(t, map[string]any{"input.x": 1.0}, FlattenMap("input", map[string]any{"x": 1.0}))
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{path: "a.b.c", want: []string{"a", "b", "c"}},
		{path: `a\.b.c`, want: []string{"a.b", "c"}},
		{path: `a\\.b`, want: []string{`a\`, "b"}},
		{path: `a\\\.b`, want: []string{`a\.b`}},
		{path: `a\`, want: []string{`a\`}},
		{path: "a..b", want: []string{"a", "", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitPath(tt.path))
		})
	}

	for _, key := range []string{"plain", "x.y", `p\q`, `.\.`, ""} {
		assert.Equal(t, []string{"root", key}, SplitPath("root"+PathSeparator+EscapePathKey(key)), key)
	}
}

func TestJSONContext_DottedKeys(t *testing.T) {
	c := NewJSONContextFromMap(map[string]any{
		"a.b": "dotted",
		"a":   map[string]any{"b": "nested"},
	})
	flat := c.Flatten()
	assert.Equal(t, map[string]any{`a\.b`: "dotted", "a.b": "nested"}, flat)
	for path, want := range flat {
		got, ok := c.GetPath(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
}

func TestMergeJSONContexts(t *testing.T) {
	ctx1 := NewJSONContext([]byte(`{"a": 1, "b": 2, "n": {"x": 1, "y": 1}}`))
	ctx2 := NewJSONContext([]byte(`{"b": 3, "c": 4, "n": {"y": 2}}`))

	merged := MergeJSONContexts(ctx1, nil, ctx2)

	b, _ := merged.GetInt64("b")
	assert.Equal(t, int64(3), b)
	a, ok := merged.GetInt64("a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), a)
	c, ok := merged.GetInt64("c")
	assert.True(t, ok)
	assert.Equal(t, int64(4), c)

	// 嵌套的 map 深度合并
	x, _ := merged.GetInt64("n", "x")
	y, _ := merged.GetInt64("n", "y")
	assert.Equal(t, int64(1), x)
	assert.Equal(t, int64(2), y)

	// 合并结果和输入互不影响
	_ = merged.Set([]string{"n", "x"}, 9)
	x, _ = ctx1.GetInt64("n", "x")
	assert.Equal(t, int64(1), x)
}

func TestNormalizeJSON(t *testing.T) {
	type out struct {
		Count int `json:"count"`
	}
	v, err := normalizeJSON(map[string]any{"o": out{Count: 2}, "n": int64(3)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"o": map[string]any{"count": 2.0}, "n": 3.0}, v)

	_, err = normalizeJSON(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func BenchmarkJSONContext_Get(b *testing.B) {
	ctx := NewJSONContext([]byte(`{"level1": {"level2": {"level3": {"value": "test"}}}}`))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx.GetString("level1", "level2", "level3", "value")
	}
}

func BenchmarkJSONContext_Flatten(b *testing.B) {
	ctx := NewJSONContext([]byte(`{"nodes": {"A": {"output": {"items": [1, 2, 3], "ok": true}}}}`))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx.Flatten()
	}
}
