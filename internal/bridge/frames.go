package bridge

import (
	"encoding/json"
	"fmt"

	"debugprobe/pkg/domain"
)

// FrameType 桥接帧类型
type FrameType string

const (
	FrameRegisterDevice        FrameType = "register_device"
	FrameRegisterAck           FrameType = "register_ack"
	FrameRegisterReject        FrameType = "register_reject"
	FrameEventsBatch           FrameType = "events_batch"
	FrameEventsAck             FrameType = "events_ack"
	FramePluginCommand         FrameType = "plugin_command"
	FramePluginCommandResponse FrameType = "plugin_command_response"
	FrameBreakpointHit         FrameType = "breakpoint_hit"
	FrameResumeBreakpoint      FrameType = "resume_breakpoint"
	FramePluginStateChanged    FrameType = "plugin_state_changed"
)

// Frame JSON 线缆帧 {type, payload}
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame 编码载荷构造帧
func NewFrame(t FrameType, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("编码帧载荷失败 %s: %w", t, err)
	}
	return Frame{Type: t, Payload: data}, nil
}

// Decode 解码帧载荷
func (f Frame) Decode(out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("帧 %s 载荷为空", f.Type)
	}
	return json.Unmarshal(f.Payload, out)
}

// RegisterDevicePayload 注册握手，socket-open 后立即发送
type RegisterDevicePayload struct {
	Device domain.DeviceInfo `json:"device"`
	Token  string            `json:"token,omitempty"`
	// AppSessionID 每次进程启动生成的新 UUID，区分重连与应用重启
	AppSessionID string              `json:"appSessionId"`
	SDKVersion   string              `json:"sdkVersion"`
	Plugins      []domain.PluginInfo `json:"plugins"`
}

// RegisterReplyPayload ack/reject 载荷
type RegisterReplyPayload struct {
	Reason string `json:"reason,omitempty"`
}

// EventsBatchPayload 批量事件帧
type EventsBatchPayload struct {
	BatchID string              `json:"batchId"`
	Events  []domain.DebugEvent `json:"events"`
}

// EventsAckPayload Hub 确认已持久化的批次
type EventsAckPayload struct {
	BatchID string `json:"batchId"`
}

// BreakpointHitPayload 断点命中快照
type BreakpointHitPayload struct {
	RequestID string                   `json:"requestId"`
	Stage     string                   `json:"stage"`
	Request   domain.HTTPRequestInfo   `json:"request"`
	Response  *domain.HTTPResponseInfo `json:"response,omitempty"`
}

// BreakpointResumePayload Hub 的断点裁决。modify 既可整体替换快照，
// 也可只带 bodyPatch（sjson 点路径 → 原始 JSON 值）做局部体改写。
type BreakpointResumePayload struct {
	RequestID        string                     `json:"requestId"`
	Action           string                     `json:"action"`
	ModifiedRequest  *domain.HTTPRequestInfo    `json:"modifiedRequest,omitempty"`
	ModifiedResponse *domain.HTTPResponseInfo   `json:"modifiedResponse,omitempty"`
	BodyPatch        map[string]json.RawMessage `json:"bodyPatch,omitempty"`
}

// PluginStateChangedPayload 插件状态上报
type PluginStateChangedPayload struct {
	PluginID domain.PluginID    `json:"pluginId"`
	State    domain.PluginState `json:"state"`
}
