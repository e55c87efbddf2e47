package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameServerID  = "serverID"
	FieldNameStatus    = "status"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldServerID 返回一个包含会话标识的 zap 字段。
func FieldServerID(serverID string) zap.Field {
	return zap.String(FieldNameServerID, serverID)
}

// FieldStatus 返回一个包含会话状态的 zap 字段。
func FieldStatus(status string) zap.Field {
	return zap.String(FieldNameStatus, status)
}
