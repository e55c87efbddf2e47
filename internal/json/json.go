// Package json 统一项目内的 JSON 编解码入口，底层使用 bytedance/sonic。
package json

import (
	stdjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// RawMessage 为延迟解码的原始 JSON，sonic 与 encoding/json 都能识别。
type RawMessage = stdjson.RawMessage

// api 采用与 encoding/json 行为一致的配置（键排序、HTML 转义）。
var api = sonic.ConfigStd

// plain 与 api 相同，但不转义 <、>、&。
var plain = sonic.Config{
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
}.Froze()

// Marshal 将 v 编码为 JSON。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalPlain 与 Marshal 相同，但保留字符串中的 <、>、& 原样输出。
func MarshalPlain(v any) ([]byte, error) {
	return plain.Marshal(v)
}

// Unmarshal 将 JSON 解码到 v 中，v 必须为指针。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// NewEncoder 返回一个写入 w 的流式编码器，每次 Encode 追加一个换行。
func NewEncoder(w io.Writer) sonic.Encoder {
	return api.NewEncoder(w)
}

// NewDecoder 返回一个从 r 读取的流式解码器。
func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}
