package rulespec

import (
	"encoding/json"

	"debugprobe/pkg/domain"
)

// TargetType 规则作用目标
type TargetType string

const (
	TargetHTTPRequest  TargetType = "http-request"
	TargetHTTPResponse TargetType = "http-response"
	TargetWSOutgoing   TargetType = "ws-outgoing"
	TargetWSIncoming   TargetType = "ws-incoming"
)

// RuleBase 三类规则共有的匹配字段。Priority 大者先判；同优先级按插入序。
type RuleBase struct {
	ID         domain.RuleID `json:"id"`
	Name       string        `json:"name,omitempty"`
	Enabled    bool          `json:"enabled"`
	Priority   int           `json:"priority"`
	URLPattern string        `json:"urlPattern,omitempty"`
	Method     string        `json:"method,omitempty"`
	TargetType TargetType    `json:"targetType,omitempty"`
}

// MockAction 构造响应的动作
type MockAction struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	DelayMS    int64             `json:"delayMs,omitempty"`
}

// MockRule 命中后返回伪造响应，或改写请求/帧载荷
type MockRule struct {
	RuleBase
	Response *MockAction `json:"response,omitempty"`
	// RequestBody 非空时整体改写请求体而不伪造响应
	RequestBody string `json:"requestBody,omitempty"`
	// BodyPatch 局部改写请求体：sjson 点路径 → 原始 JSON 值，
	// 与 RequestBody 互斥，RequestBody 优先
	BodyPatch map[string]json.RawMessage `json:"bodyPatch,omitempty"`
	// FramePayload 非空时用于 WS 帧载荷替换
	FramePayload string `json:"framePayload,omitempty"`
}

// ChaosKind 混沌故障类型
type ChaosKind string

const (
	ChaosDelay           ChaosKind = "delay"
	ChaosTimeout         ChaosKind = "timeout"
	ChaosConnectionReset ChaosKind = "connection_reset"
	ChaosErrorResponse   ChaosKind = "error_response"
	ChaosDrop            ChaosKind = "drop"
	ChaosCorruptBody     ChaosKind = "corrupt_body"
)

// ChaosRule 命中后按概率注入传输故障，仅作用于 HTTP
type ChaosRule struct {
	RuleBase
	Kind        ChaosKind `json:"kind"`
	Probability float64   `json:"probability"`
	DelayMS     int64     `json:"delayMs,omitempty"`
	StatusCode  int       `json:"statusCode,omitempty"`
}

// BreakpointStage 断点生效阶段
type BreakpointStage string

const (
	StageRequest  BreakpointStage = "request"
	StageResponse BreakpointStage = "response"
	StageBoth     BreakpointStage = "both"
)

// BreakpointRule 命中后挂起请求等待 Hub 裁决，仅作用于 HTTP
type BreakpointRule struct {
	RuleBase
	Stage BreakpointStage `json:"stage"`
}

// MatchesStage 判断规则是否覆盖给定阶段
func (r BreakpointRule) MatchesStage(stage BreakpointStage) bool {
	return r.Stage == stage || r.Stage == StageBoth
}
