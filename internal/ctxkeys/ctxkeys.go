package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	approvedKey contextKey = "approved"
	personaKey  contextKey = "persona"
)

// WithApproved 标记当前调用已经过用户确认，敏感工具不再进入审批闸门
func WithApproved(ctx context.Context) context.Context {
	return context.WithValue(ctx, approvedKey, true)
}

// Approved 报告调用是否已经过用户确认
func Approved(ctx context.Context) bool {
	v, _ := ctx.Value(approvedKey).(bool)
	return v
}

// WithPersona 设置当前活跃角色名
func WithPersona(ctx context.Context, persona string) context.Context {
	return context.WithValue(ctx, personaKey, persona)
}

// Persona 获取当前活跃角色名
func Persona(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(personaKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
