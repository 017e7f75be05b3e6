package rules

import (
	"regexp"
	"strings"
	"sync"

	"debugprobe/pkg/rulespec"
)

// regexCache 编译结果缓存，模式重复命中时避免反复编译
var regexCache = &patternCache{cache: make(map[string]*regexp.Regexp)}

type patternCache struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func (c *patternCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.cache[pattern] = re
	return re, nil
}

// MatchURL 以通配模式在完整 URL 中查找匹配。
// 含 `*` 时先转义 `.` 再把 `*` 展开为 `.*` 做不锚定首尾的正则查找；否则做子串包含。
func MatchURL(pattern, absoluteURL string) bool {
	if pattern == "" {
		return true
	}
	if strings.Contains(pattern, "*") {
		expr := strings.ReplaceAll(pattern, ".", `\.`)
		expr = strings.ReplaceAll(expr, "*", ".*")
		re, err := regexCache.Get(expr)
		if err != nil {
			return false
		}
		return re.MatchString(absoluteURL)
	}
	return strings.Contains(absoluteURL, pattern)
}

// MatchMethod 方法过滤，空过滤器匹配一切
func MatchMethod(filter, method string) bool {
	return filter == "" || strings.EqualFold(filter, method)
}

// matchBase 规则公共谓词：启用 + URL + 方法
func matchBase(r rulespec.RuleBase, url, method string) bool {
	return r.Enabled && MatchURL(r.URLPattern, url) && MatchMethod(r.Method, method)
}
