package handoff

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/BaSui01/voxagent/agent/conversation"
	"github.com/BaSui01/voxagent/agent/voice"
	"github.com/BaSui01/voxagent/types"
)

// EndConversationTool is exposed on every persona.
const EndConversationTool = "end_conversation"

// AllTools in Spec.Tools grants every catalogue tool.
const AllTools = "*"

var (
	// ErrPersonaNotFound is returned when a spec or route names an unknown persona.
	ErrPersonaNotFound = errors.New("persona not found")
	// ErrRouteNotFound is returned when the active persona has no such transition tool.
	ErrRouteNotFound = errors.New("transition not available for active persona")
	// ErrConversationEnded is returned once end_conversation has run.
	ErrConversationEnded = errors.New("conversation has ended")
)

// Route 描述一个转接工具：调用 Tool 时切换到 Target，并朗读 Utterance。
// Param 非空时工具接受一个同名字符串参数，可在 Utterance 与目标指令中以 {{param}} 引用。
type Route struct {
	Tool             string `yaml:"tool" json:"tool"`
	Target           string `yaml:"target" json:"target"`
	Description      string `yaml:"description" json:"description"`
	Param            string `yaml:"param,omitempty" json:"param,omitempty"`
	ParamDescription string `yaml:"param_description,omitempty" json:"param_description,omitempty"`
	Utterance        string `yaml:"utterance" json:"utterance"`
}

// Spec 是一个人设的配置。
type Spec struct {
	Name         string `yaml:"name" json:"name"`
	Instructions string `yaml:"instructions" json:"instructions"`
	// Tools 列出可用的目录工具名，"*" 表示全部。
	Tools  []string `yaml:"tools" json:"tools"`
	Routes []Route  `yaml:"routes" json:"routes"`
	// OnEnter 是切换进入该人设后生成首条回复时附加的指令。
	OnEnter string        `yaml:"on_enter" json:"on_enter"`
	Profile voice.Profile `yaml:"profile" json:"profile"`
}

func (s Spec) route(tool string) (Route, bool) {
	for _, r := range s.Routes {
		if r.Tool == tool {
			return r, true
		}
	}
	return Route{}, false
}

func (s Spec) allows(tool string) bool {
	return slices.Contains(s.Tools, AllTools) || slices.Contains(s.Tools, tool)
}

// Persona 是构造后不可变的人设实例。
// history 与同一通话中的其他人设共享同一个对象。
type Persona struct {
	spec         Spec
	instructions string
	params       map[string]string
	tools        []types.ToolSchema
	history      *conversation.History
}

// Name returns the persona name.
func (p *Persona) Name() string { return p.spec.Name }

// Instructions returns the rendered instructions.
func (p *Persona) Instructions() string { return p.instructions }

// Tools returns the tool schemas the persona exposes to the model.
func (p *Persona) Tools() []types.ToolSchema { return slices.Clone(p.tools) }

// Profile returns the voice/model configuration.
func (p *Persona) Profile() voice.Profile { return p.spec.Profile }

// History returns the shared turn sequence.
func (p *Persona) History() *conversation.History { return p.history }

// Param returns a construction parameter such as the handoff topic.
func (p *Persona) Param(name string) string { return p.params[name] }

// HasTool reports whether the persona exposes the named tool.
func (p *Persona) HasTool(name string) bool {
	return slices.ContainsFunc(p.tools, func(s types.ToolSchema) bool { return s.Name == name })
}

// AgentConfig converts the persona into what the pipeline installs.
func (p *Persona) AgentConfig() voice.AgentConfig {
	return voice.AgentConfig{
		Name:         p.spec.Name,
		Instructions: p.instructions,
		Tools:        p.Tools(),
		Profile:      p.spec.Profile,
		History:      p.history,
	}
}

// Catalog 是配置的人设集合（状态机的状态集）。
type Catalog struct {
	specs       map[string]Spec
	order       []string
	defaultName string
	base        voice.Profile
}

// NewCatalog validates specs and returns a catalog whose initial state is defaultName.
func NewCatalog(specs []Spec, defaultName string, base voice.Profile) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one persona is required")
	}
	c := &Catalog{specs: make(map[string]Spec, len(specs)), defaultName: defaultName, base: base}
	for _, s := range specs {
		if s.Name == "" {
			return nil, errors.New("persona name is required")
		}
		if _, dup := c.specs[s.Name]; dup {
			return nil, fmt.Errorf("duplicate persona %q", s.Name)
		}
		s.Profile = s.Profile.Merge(base)
		c.specs[s.Name] = s
		c.order = append(c.order, s.Name)
	}
	if c.defaultName == "" {
		c.defaultName = specs[0].Name
	}
	if _, ok := c.specs[c.defaultName]; !ok {
		return nil, fmt.Errorf("default persona %q: %w", c.defaultName, ErrPersonaNotFound)
	}

	// 同名转接工具在不同人设中必须使用同一参数
	params := make(map[string]string)
	for _, name := range c.order {
		for _, r := range c.specs[name].Routes {
			if r.Tool == "" || r.Tool == EndConversationTool {
				return nil, fmt.Errorf("persona %q: invalid transition tool name %q", name, r.Tool)
			}
			if _, ok := c.specs[r.Target]; !ok {
				return nil, fmt.Errorf("persona %q route %q -> %q: %w", name, r.Tool, r.Target, ErrPersonaNotFound)
			}
			if p, seen := params[r.Tool]; seen && p != r.Param {
				return nil, fmt.Errorf("transition tool %q declared with parameters %q and %q", r.Tool, p, r.Param)
			}
			params[r.Tool] = r.Param
		}
	}
	return c, nil
}

// Default returns the initial persona name.
func (c *Catalog) Default() string { return c.defaultName }

// Names returns persona names in declaration order.
func (c *Catalog) Names() []string { return slices.Clone(c.order) }

// Spec returns the named spec.
func (c *Catalog) Spec(name string) (Spec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// Routes returns every route across the catalog, first declaration per tool name.
func (c *Catalog) Routes() []Route {
	var out []Route
	seen := make(map[string]bool)
	for _, name := range c.order {
		for _, r := range c.specs[name].Routes {
			if !seen[r.Tool] {
				seen[r.Tool] = true
				out = append(out, r)
			}
		}
	}
	return out
}

// Build 构造一个人设。catalogue 是可供挑选的目录工具，control 是转接与结束工具。
func (c *Catalog) Build(name string, history *conversation.History, params map[string]string,
	catalogue, control []types.ToolSchema) (*Persona, error) {
	spec, ok := c.specs[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrPersonaNotFound)
	}
	if history == nil {
		return nil, errors.New("persona requires a turn history")
	}

	p := &Persona{
		spec:         spec,
		instructions: renderTemplate(spec.Instructions, params),
		params:       make(map[string]string, len(params)),
		history:      history,
	}
	for k, v := range params {
		p.params[k] = v
	}
	for _, s := range catalogue {
		if spec.allows(s.Name) {
			p.tools = append(p.tools, s)
		}
	}
	for _, s := range control {
		if s.Name == EndConversationTool {
			p.tools = append(p.tools, s)
			continue
		}
		if _, ok := spec.route(s.Name); ok {
			p.tools = append(p.tools, s)
		}
	}
	return p, nil
}

// templateVarRegexp 匹配 {{variable}} 或 {{ variable }}
var templateVarRegexp = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.-]*)\s*\}\}`)

// renderTemplate 替换模板变量，未知变量保留原样。
func renderTemplate(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 {
		return strings.TrimSpace(text)
	}
	out := templateVarRegexp.ReplaceAllStringFunc(text, func(match string) string {
		sub := templateVarRegexp.FindStringSubmatch(match)
		if v, ok := vars[sub[1]]; ok {
			return v
		}
		return match
	})
	return strings.TrimSpace(out)
}
