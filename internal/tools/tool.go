// Package tools defines the tool execution boundary: the Tool interface the
// agent runtime calls, the single Result shape every call produces, and the
// registry that holds the available inventory.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"
)

// RunContext identifies the caller of a tool.
type RunContext struct {
	GroupID string
	AgentID string
	TaskID  string
	Role    string

	// Target is the target of the calling agent's directive.
	Target string

	// Progress reports intermediate output. It may be nil.
	Progress func(msg string)
}

// Report calls Progress when it is set.
func (rc RunContext) Report(format string, args ...any) {
	if rc.Progress != nil {
		rc.Progress(fmt.Sprintf(format, args...))
	}
}

type Tool interface {
	Name() string
	Description() string
	// Info is the provider-callable schema of the tool.
	Info() *schema.ToolInfo
	Run(ctx context.Context, args map[string]any, rc RunContext) (Result, error)
}

// Result is the outcome of one tool call.
type Result struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func OK(output string, data map[string]any) Result {
	return Result{Success: true, Output: output, Data: data}
}

func Fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Normalize folds a returned error into the result. An error always wins
// over a success flag.
func Normalize(res Result, err error) Result {
	if err == nil {
		if !res.Success && res.Error == "" {
			res.Error = "tool reported failure"
		}
		return res
	}
	res.Success = false
	if res.Error == "" {
		res.Error = err.Error()
	}
	return res
}

// JSON serializes the result for the reasoning history.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, "marshal result: "+err.Error())
	}
	return string(data)
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Desc     string
	Params   map[string]*schema.ParameterInfo
	Fn       func(ctx context.Context, args map[string]any, rc RunContext) (Result, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Info() *schema.ToolInfo {
	info := &schema.ToolInfo{Name: f.ToolName, Desc: f.Desc}
	if len(f.Params) > 0 {
		info.ParamsOneOf = schema.NewParamsOneOfByParams(f.Params)
	}
	return info
}

func (f *Func) Run(ctx context.Context, args map[string]any, rc RunContext) (Result, error) {
	return f.Fn(ctx, args, rc)
}

// StringArg returns args[key] when it is a non-empty string.
func StringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
