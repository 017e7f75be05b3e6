package rules

import (
	"encoding/json"

	"github.com/tidwall/sjson"
)

// PatchJSONBody 对 JSON 体做局部改写：patch 的键是 sjson 点路径，
// 值为写入的原始 JSON。失败的路径跳过，体其余部分原样保留。
// 整体替换会丢掉 Hub 没有回传的字段，局部补丁只动指定路径。
func PatchJSONBody(body []byte, patch map[string]json.RawMessage) []byte {
	out := body
	for path, raw := range patch {
		next, err := sjson.SetRawBytes(out, path, raw)
		if err != nil {
			continue
		}
		out = next
	}
	return out
}
