package decision

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var defaultSchema string

// Validator 用 JSON Schema 校验预言机输出。
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator path 为空时使用内置 schema。
func NewValidator(path string) (*Validator, error) {
	text := defaultSchema
	if p := strings.TrimSpace(path); p != "" {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read decision schema failed: %w", err)
		}
		text = string(raw)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("decision.json", strings.NewReader(text)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("compile decision schema failed: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// MustDefaultValidator 内置 schema 编译失败属于程序错误。
func MustDefaultValidator() *Validator {
	v, err := NewValidator("")
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) Validate(raw string) error {
	if v == nil || v.schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return err
	}
	return v.schema.Validate(doc)
}
