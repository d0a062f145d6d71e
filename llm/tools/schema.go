package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

var reflector = jsonschema.Reflector{
	AllowAdditionalProperties: false,
	DoNotReference:            true,
	ExpandedStruct:            true,
}

// GenerateSchema 从参数结构体生成工具参数的 JSON Schema。
// 字段说明取自 `jsonschema:"description=..."` 标签，`omitempty` 字段为可选。
func GenerateSchema[T any]() json.RawMessage {
	var zero T
	s := reflector.Reflect(&zero)
	// 去掉 $schema 声明，保持与各模型 function calling 兼容
	s.Version = ""
	s.ID = ""

	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("generate schema for %T: %v", zero, err))
	}
	return data
}

// Bind decodes tool arguments into T.
func Bind[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("decode arguments: %w", err)
	}
	return v, nil
}

// Typed 把强类型处理函数适配为 Handler。
func Typed[T any](fn func(ctx context.Context, args T) (string, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		args, err := Bind[T](raw)
		if err != nil {
			return "", err
		}
		return fn(ctx, args)
	}
}
