package inspector

import (
	"regexp"
	"strings"
)

// identRe 可拼接标识符（表名/列名/排序列）白名单模式
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// denyRe 语句级黑名单，整词匹配避免 createTimestamp 之类误伤
var denyRe = regexp.MustCompile(`\b(DROP|DELETE|INSERT|UPDATE|ALTER|CREATE|ATTACH|DETACH)\b`)

const maxIdentLen = 128

// ValidIdent 标识符是否允许参与 SQL 拼接。
// 参数值一律走绑定，标识符无法绑定，只能白名单校验后双引号括起。
func ValidIdent(name string) bool {
	return len(name) <= maxIdentLen && identRe.MatchString(name)
}

// QuoteIdent 双引号括起已校验的标识符
func QuoteIdent(name string) string {
	return `"` + name + `"`
}

// ValidateQuery 只读查询闸门：必须以 SELECT 开头且不含黑名单词
func ValidateQuery(sql string) *Error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return newError(CodeInvalidQuery, "查询为空")
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") {
		return newError(CodeInvalidQuery, "仅允许 SELECT 语句")
	}
	if m := denyRe.FindString(upper); m != "" {
		return newError(CodeInvalidQuery, "查询包含被禁用的关键字: %s", m)
	}
	return nil
}

// EscapeLikeKeyword 把用户关键字转义为 LIKE 模式片段（ESCAPE '\'）
func EscapeLikeKeyword(keyword string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(keyword)
}

// textAffinity 判定列类型是否按文本处理；未声明类型的列默认参与搜索
func textAffinity(declaredType string) bool {
	if declaredType == "" {
		return true
	}
	upper := strings.ToUpper(declaredType)
	for _, kw := range []string{"TEXT", "CHAR", "CLOB", "VARCHAR", "STRING"} {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}
