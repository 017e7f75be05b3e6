package kernel

import (
	"fmt"

	"debugprobe/pkg/domain"
)

// 指令应答错误码
const (
	CodePluginNotFound       = "PluginNotFound"
	CodeInvalidConfiguration = "InvalidConfiguration"
	CodeInternalError        = "InternalError"
)

// DuplicatePluginIDError 重复注册
type DuplicatePluginIDError struct {
	ID domain.PluginID
}

func (e DuplicatePluginIDError) Error() string {
	return fmt.Sprintf("插件 ID 重复: %s", e.ID)
}

// PluginNotFoundError 未注册的插件
type PluginNotFoundError struct {
	ID domain.PluginID
}

func (e PluginNotFoundError) Error() string {
	return fmt.Sprintf("插件不存在: %s", e.ID)
}

// CircularDependencyError 依赖图存在回边
type CircularDependencyError struct {
	ID domain.PluginID
}

func (e CircularDependencyError) Error() string {
	return fmt.Sprintf("插件依赖成环: %s", e.ID)
}

// MissingDependencyError 声明的依赖未注册
type MissingDependencyError struct {
	Plugin domain.PluginID
	Dep    domain.PluginID
}

func (e MissingDependencyError) Error() string {
	return fmt.Sprintf("插件 %s 依赖缺失: %s", e.Plugin, e.Dep)
}

// StartFailedError 启动失败，Cause 为插件自身错误
type StartFailedError struct {
	ID    domain.PluginID
	Cause error
}

func (e StartFailedError) Error() string {
	return fmt.Sprintf("插件 %s 启动失败: %v", e.ID, e.Cause)
}

func (e StartFailedError) Unwrap() error { return e.Cause }
