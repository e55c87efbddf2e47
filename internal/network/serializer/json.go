package serializer

import (
	"github.com/lk2023060901/kirc-go/internal/json"
)

// JSONSerializer 基于 internal/json（bytedance/sonic）编码对外输出的事件。
//
// 说明：
//   - 聊天文本里常见 <、>、&，默认原样输出；
//   - EscapeHTML 为 true 时与 encoding/json 的输出逐字节一致。
type JSONSerializer struct {
	EscapeHTML bool
}

var _ Serializer = JSONSerializer{}

// Marshal 将 v 编码为单行 JSON。
func (s JSONSerializer) Marshal(v any) ([]byte, error) {
	if s.EscapeHTML {
		return json.Marshal(v)
	}
	return json.MarshalPlain(v)
}

// Unmarshal 将 data 解码到 v 中。
func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
