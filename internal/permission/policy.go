package permission

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"streamagent/internal/config"
	"streamagent/internal/security"
	"streamagent/internal/tools"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

type Result struct {
	Decision Decision
	Reason   string
}

// Policy 决定一次工具调用是直接执行、需要审批还是拒绝。
// Policy decides whether a tool call runs, needs approval, or is refused.
type Policy struct {
	mu  sync.RWMutex
	cfg config.PermissionConfig
}

func New(cfg config.PermissionConfig) *Policy {
	rules := make(map[string]string, len(cfg.Tools))
	for k, v := range cfg.Tools {
		rules[k] = v
	}
	cfg.Tools = rules
	cfg.CommandAllowlist = append([]string(nil), cfg.CommandAllowlist...)
	return &Policy{cfg: cfg}
}

// Decide 的顺序：deny 永远优先；yolo 全部放行；auto_edit 放行修改类工具；其余按规则，ask 可被 allowlist 放行。
// Decide order: deny always wins; yolo allows everything; auto_edit allows mutating tools; otherwise rules apply and the allowlist can lift ask.
func (p *Policy) Decide(mode string, tool tools.Tool, rawArgs json.RawMessage) Result {
	p.mu.RLock()
	defer p.mu.RUnlock()

	name := strings.ToLower(strings.TrimSpace(tool.Name()))
	if name == "" {
		return Result{Decision: DecisionAsk, Reason: "tool missing"}
	}

	var res Result
	if name == tools.ShellName {
		res = p.decideShell(rawArgs)
	} else {
		res = p.decideRule(name)
	}
	if res.Decision == DecisionDeny {
		return res
	}

	switch mode {
	case config.ApprovalModeYolo:
		return Result{Decision: DecisionAllow}
	case config.ApprovalModeAutoEdit:
		if tools.IsMutating(tool) {
			return Result{Decision: DecisionAllow}
		}
	}

	if res.Decision == DecisionAllow {
		if aa, ok := tool.(tools.ApprovalAware); ok {
			req, err := aa.ApprovalRequest(rawArgs)
			if err != nil {
				return Result{Decision: DecisionAsk, Reason: "approval check failed: " + err.Error()}
			}
			if req != nil {
				return Result{Decision: DecisionAsk, Reason: req.Reason}
			}
		}
	}
	return res
}

func (p *Policy) decideRule(name string) Result {
	rule, ok := p.cfg.Tools[name]
	if !ok {
		rule = p.cfg.Default
	}
	switch normalizeDecision(rule, p.defaultDecision()) {
	case DecisionAllow:
		return Result{Decision: DecisionAllow}
	case DecisionDeny:
		return Result{Decision: DecisionDeny, Reason: "blocked by policy"}
	default:
		return Result{Decision: DecisionAsk, Reason: "policy requires approval"}
	}
}

func (p *Policy) defaultDecision() Decision {
	return normalizeDecision(p.cfg.Default, DecisionAsk)
}

func (p *Policy) decideShell(rawArgs json.RawMessage) Result {
	var in struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(rawArgs, &in)
	command := strings.TrimSpace(in.Command)

	base := p.defaultDecision()
	if rule, ok := p.cfg.Tools[tools.ShellName]; ok {
		base = normalizeDecision(rule, base)
	}
	if base == DecisionDeny {
		return Result{Decision: DecisionDeny, Reason: "shell disabled by policy"}
	}
	decision := normalizeDecision(p.cfg.Shell["*"], base)
	if command != "" {
		decision = p.matchShellPattern(command, decision)
	}

	// 危险命令不允许被模式或 allowlist 直接放行。
	risk := security.AnalyzeCommand(command)
	if decision == DecisionAllow && risk.RequireApproval {
		return Result{Decision: DecisionAsk, Reason: risk.Reason}
	}

	// allowlist：当策略决策为 ask 且每个子命令都命中 command_allowlist 时，直接 allow。
	if decision == DecisionAsk && !risk.RequireApproval && p.allRootsAllowlisted(risk.Roots) {
		return Result{Decision: DecisionAllow}
	}

	switch decision {
	case DecisionAllow:
		return Result{Decision: DecisionAllow}
	case DecisionDeny:
		return Result{Decision: DecisionDeny, Reason: "shell command blocked by policy"}
	default:
		return Result{Decision: DecisionAsk, Reason: "shell policy requires approval"}
	}
}

// matchShellPattern applies the longest matching pattern, or fallback.
func (p *Policy) matchShellPattern(command string, fallback Decision) Decision {
	patterns := make([]string, 0, len(p.cfg.Shell))
	for pattern := range p.cfg.Shell {
		if pattern == "*" {
			continue
		}
		patterns = append(patterns, pattern)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	for _, pattern := range patterns {
		ok, err := filepath.Match(pattern, command)
		if err == nil && ok {
			return normalizeDecision(p.cfg.Shell[pattern], fallback)
		}
	}
	return fallback
}

func (p *Policy) allRootsAllowlisted(roots []string) bool {
	if len(roots) == 0 || len(p.cfg.CommandAllowlist) == 0 {
		return false
	}
	for _, root := range roots {
		if !p.isAllowlisted(root) {
			return false
		}
	}
	return true
}

func (p *Policy) isAllowlisted(name string) bool {
	name = config.NormalizeCommandName(name)
	if name == "" {
		return false
	}
	for _, raw := range p.cfg.CommandAllowlist {
		if strings.ToLower(strings.TrimSpace(raw)) == name {
			return true
		}
	}
	return false
}

// AddToCommandAllowlist 追加命令名到 allowlist，返回是否实际新增。
// AddToCommandAllowlist appends a command name to the allowlist and returns true if it was newly added.
func (p *Policy) AddToCommandAllowlist(commandName string) bool {
	name := config.NormalizeCommandName(commandName)
	if name == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, raw := range p.cfg.CommandAllowlist {
		if strings.ToLower(strings.TrimSpace(raw)) == name {
			return false
		}
	}
	p.cfg.CommandAllowlist = append(p.cfg.CommandAllowlist, name)
	return true
}

// AllowTool 在当前会话内把工具规则设为 allow，返回是否有变化。
// AllowTool sets the tool's rule to allow for this session and reports whether it changed.
func (p *Policy) AllowTool(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if normalizeDecision(p.cfg.Tools[name], "") == DecisionAllow {
		return false
	}
	p.cfg.Tools[name] = string(DecisionAllow)
	return true
}

func normalizeDecision(raw string, fallback Decision) Decision {
	switch Decision(strings.ToLower(strings.TrimSpace(raw))) {
	case DecisionAllow:
		return DecisionAllow
	case DecisionAsk:
		return DecisionAsk
	case DecisionDeny:
		return DecisionDeny
	default:
		return fallback
	}
}

// Summary 返回当前权限矩阵的简短描述（供 /help 展示）。
func (p *Policy) Summary(mode string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.cfg.Tools))
	for name := range p.cfg.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := []string{"mode: " + mode, "default: " + string(p.defaultDecision())}
	for _, name := range names {
		parts = append(parts, name+": "+string(normalizeDecision(p.cfg.Tools[name], p.defaultDecision())))
	}
	if len(p.cfg.CommandAllowlist) > 0 {
		parts = append(parts, "allowlist: "+strings.Join(p.cfg.CommandAllowlist, " "))
	}
	return strings.Join(parts, ", ")
}
