package plugins

import (
	"encoding/json"

	"debugprobe/pkg/domain"
	"debugprobe/pkg/traffic"
)

// 所有插件至少接受的指令类型
const (
	CmdEnable    = "enable"
	CmdDisable   = "disable"
	CmdGetStatus = "get_status"

	CmdUpdateRules = "update_rules"
	CmdAddRule     = "add_rule"
	CmdRemoveRule  = "remove_rule"
	CmdGetRules    = "get_rules"

	CmdSetConfig        = "set_config"
	CmdReplay           = "replay"
	CmdResumeBreakpoint = "resume_breakpoint"
	CmdDBCommand        = "db_command"
)

// okJSON 编码载荷构造成功应答，编码失败降级为 InternalError
func okJSON(cmd domain.PluginCommand, payload any) domain.PluginCommandResponse {
	if payload == nil {
		return domain.OKResponse(cmd, nil)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.FailResponse(cmd, "InternalError", err.Error())
	}
	return domain.OKResponse(cmd, data)
}

func unknownCommand(cmd domain.PluginCommand) domain.PluginCommandResponse {
	return domain.FailResponse(cmd, "InvalidConfiguration", "unknown command type: "+cmd.CommandType)
}

// statusPayload get_status 通用应答
type statusPayload struct {
	Enabled bool `json:"enabled"`
}

// snapshotToRequest 线缆快照还原为中立请求模型
func snapshotToRequest(s *domain.HTTPRequestInfo) *traffic.Request {
	if s == nil {
		return nil
	}
	req := traffic.NewRequest()
	req.ID = s.RequestID
	req.Method = s.Method
	req.URL = s.URL
	for k, v := range s.Headers {
		req.Headers.Set(k, v)
	}
	req.Body = s.Body
	if !s.StartTime.IsZero() {
		req.StartTime = s.StartTime
	}
	return req
}

// snapshotToResponse 线缆快照还原为中立响应模型
func snapshotToResponse(s *domain.HTTPResponseInfo) *traffic.Response {
	if s == nil {
		return nil
	}
	resp := traffic.NewResponse()
	resp.StatusCode = s.StatusCode
	for k, v := range s.Headers {
		resp.Headers.Set(k, v)
	}
	resp.Body = s.Body
	resp.DurationMS = s.DurationMS
	resp.Error = s.Error
	return resp
}

// requestSnapshot 中立请求模型转线缆快照
func requestSnapshot(req *traffic.Request) domain.HTTPRequestInfo {
	return domain.HTTPRequestInfo{
		RequestID: req.ID,
		Method:    req.Method,
		URL:       req.URL,
		Headers:   map[string]string(req.Headers),
		Body:      req.Body,
		StartTime: req.StartTime,
	}
}

// responseSnapshot 中立响应模型转线缆快照
func responseSnapshot(resp *traffic.Response) *domain.HTTPResponseInfo {
	if resp == nil {
		return nil
	}
	return &domain.HTTPResponseInfo{
		StatusCode: resp.StatusCode,
		Headers:    map[string]string(resp.Headers),
		Body:       resp.Body,
		DurationMS: resp.DurationMS,
		Error:      resp.Error,
	}
}
