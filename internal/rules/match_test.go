package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchURLWildcard(t *testing.T) {
	cases := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"*example.com/users*", "https://example.com/users/42", true},
		{"*example.com/users*", "https://example.com/orders", false},
		{"*", "https://anything.test/", true},
		{"*flaky*", "https://flaky.test/", true},
		// 点被转义：examplexcom 不应命中 example.com 模式
		{"*example.com*", "https://examplexcom/", false},
		// 无通配符：子串包含
		{"example.com", "https://example.com/a", true},
		{"/users", "https://example.com/users/42", true},
		{"/orders", "https://example.com/users/42", false},
		// 空模式匹配一切
		{"", "https://example.com", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchURL(c.pattern, c.url), "pattern=%q url=%q", c.pattern, c.url)
	}
}

func TestMatchMethod(t *testing.T) {
	assert.True(t, MatchMethod("", "GET"))
	assert.True(t, MatchMethod("get", "GET"))
	assert.True(t, MatchMethod("POST", "post"))
	assert.False(t, MatchMethod("POST", "GET"))
}
