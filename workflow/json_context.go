package workflow

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PathSeparator 扁平化路径的分隔符, 节点ID里不允许出现
// key 本身带 . 或 \ 时写成 \. 和 \\, 例如 key "x.y" 的路径是 input.x\.y
const (
	PathSeparator = "."
	pathEscape    = `\`
)

// JSONContext 嵌套 map 的读写封装, 数组元素用下标访问
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从字节创建, 解析失败得到空上下文
func NewJSONContext(b []byte) *JSONContext {
	c := &JSONContext{data: make(map[string]any)}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &c.data)
		if c.data == nil {
			c.data = make(map[string]any)
		}
	}
	return c
}

func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get 按路径取值, 例如 Get("items", "0", "name")
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	return lookupPath(c.data, keys)
}

// GetPath 按点分路径取值, 例如 GetPath("nodes.A.output.result")
func (c *JSONContext) GetPath(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return c.Get(SplitPath(path)...)
}

// EscapePathKey 转义 key 里的分隔符, 拼成的路径可以被 SplitPath 还原
func EscapePathKey(key string) string {
	if !strings.ContainsAny(key, PathSeparator+pathEscape) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		if r == '.' || r == '\\' {
			b.WriteString(pathEscape)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SplitPath 按未转义的分隔符切分路径, 每一段去掉转义
// 末尾单独的 \ 按普通字符处理
func SplitPath(path string) []string {
	if !strings.Contains(path, pathEscape) {
		return strings.Split(path, PathSeparator)
	}
	keys := make([]string, 0, strings.Count(path, PathSeparator)+1)
	var b strings.Builder
	escaped := false
	for _, r := range path {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '.':
			keys = append(keys, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if escaped {
		b.WriteString(pathEscape)
	}
	return append(keys, b.String())
}

func lookupPath(root any, keys []string) (any, bool) {
	current := root
	for _, key := range keys {
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[key]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	return toInt64(val)
}

func toInt64(val any) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func (c *JSONContext) GetFloat64(keys ...string) (float64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 按路径写值, 中间不是 map 的会被覆盖成 map
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (c *JSONContext) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	parent := c.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := parent[key].(map[string]any)
		if !ok {
			return
		}
		parent = next
	}
	delete(parent, keys[len(keys)-1])
}

func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

// ToMap 返回底层 map 的引用
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone 深拷贝
func (c *JSONContext) Clone() *JSONContext {
	return &JSONContext{data: deepCopyMap(c.data)}
}

func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Flatten 所有叶子节点按点分路径展开
func (c *JSONContext) Flatten() map[string]any {
	return FlattenMap("", c.data)
}

// MergeJSONContexts 深度合并, 后面的覆盖前面的
func MergeJSONContexts(contexts ...*JSONContext) *JSONContext {
	result := make(map[string]any)
	for _, c := range contexts {
		if c != nil {
			mergeInto(result, c.data)
		}
	}
	return &JSONContext{data: result}
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		dst[k] = deepCopyValue(v)
	}
}

// FlattenMap 把嵌套结构展开成 点分路径 -> 叶子值
// 空 map / 空数组本身作为叶子保留, 保证每个路径都能查到
// key 经过 EscapePathKey 转义, 带点的 key 和同名的嵌套路径不会互相覆盖
func FlattenMap(prefix string, value map[string]any) map[string]any {
	flat := make(map[string]any)
	flattenValue(flat, prefix, value)
	return flat
}

func flattenValue(flat map[string]any, path string, value any) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			if path != "" {
				flat[path] = v
			}
			return
		}
		for key, child := range v {
			flattenValue(flat, joinPath(path, EscapePathKey(key)), child)
		}
	case []any:
		if len(v) == 0 {
			if path != "" {
				flat[path] = v
			}
			return
		}
		for i, child := range v {
			flattenValue(flat, joinPath(path, strconv.Itoa(i)), child)
		}
	default:
		if path != "" {
			flat[path] = v
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + PathSeparator + key
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	}
	return v
}

// normalizeJSON 让任意值变成 json 反序列化后的形状(map[string]any / []any / float64 ...)
func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal value failed")
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.WithMessage(err, "unmarshal value failed")
	}
	return out, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal json failed")
	}
	return b, nil
}

func unmarshalMap(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	return NewJSONContext(b).ToMap()
}
