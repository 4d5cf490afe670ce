package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// 审批模式 / approval modes
const (
	ApprovalModeDefault  = "default"
	ApprovalModeAutoEdit = "auto_edit"
	ApprovalModeYolo     = "yolo"
)

const projectDirName = ".streamagent"

type ProviderConfig struct {
	BaseURL    string   `json:"base_url"`
	Model      string   `json:"model"`
	Models     []string `json:"models"`
	APIKey     string   `json:"api_key"`
	TimeoutMS  int      `json:"timeout_ms"`
	MaxRetries int      `json:"max_retries"`
}

type RuntimeConfig struct {
	WorkspaceRoot     string `json:"workspace_root"`
	ContextTokenLimit int    `json:"context_token_limit"`
	// DevelopmentMode 打开时，未知的流事件会被当作错误。
	// DevelopmentMode turns unknown stream events into errors.
	DevelopmentMode bool `json:"development_mode"`
}

type SafetyConfig struct {
	CommandTimeoutMS int `json:"command_timeout_ms"`
	OutputLimitBytes int `json:"output_limit_bytes"`
	MaxParallelTools int `json:"max_parallel_tools"`
}

type CompactionConfig struct {
	Auto           bool    `json:"auto"`
	Prune          bool    `json:"prune"`
	Threshold      float64 `json:"threshold"`
	RecentMessages int     `json:"recent_messages"`
}

type ApprovalConfig struct {
	// Mode: default | auto_edit | yolo
	Mode string `json:"mode"`
}

type PermissionConfig struct {
	Default string `json:"default"`
	// Tools 按工具名配置 allow/ask/deny。
	// Tools maps a tool name to allow/ask/deny.
	Tools map[string]string `json:"tools"`
	// Shell 按命令模式配置（"git status*": "allow"）。
	// Shell maps shell command patterns to allow/ask/deny.
	Shell map[string]string `json:"shell"`
	// CommandAllowlist 记录“始终同意的命令”（按命令名归一化）。
	// CommandAllowlist stores commands that have been marked as "always allow" (normalized by command name).
	CommandAllowlist []string `json:"command_allowlist"`
}

type CheckpointingConfig struct {
	Enabled bool `json:"enabled"`
}

type MemoryConfig struct {
	FileName         string   `json:"file_name"`
	GlobalPath       string   `json:"global_path"`
	InstructionFiles []string `json:"instruction_files"`
}

type StorageConfig struct {
	BaseDir  string `json:"base_dir"`
	LogMaxMB int    `json:"log_max_mb"`
}

type LoggingConfig struct {
	Debug bool `json:"debug"`
}

type Config struct {
	Provider      ProviderConfig      `json:"provider"`
	Runtime       RuntimeConfig       `json:"runtime"`
	Safety        SafetyConfig        `json:"safety"`
	Compaction    CompactionConfig    `json:"compaction"`
	Approval      ApprovalConfig      `json:"approval"`
	Permission    PermissionConfig    `json:"permission"`
	Checkpointing CheckpointingConfig `json:"checkpointing"`
	Memory        MemoryConfig        `json:"memory"`
	Storage       StorageConfig       `json:"storage"`
	Logging       LoggingConfig       `json:"logging"`
}

type fileCompactionConfig struct {
	Auto           *bool    `json:"auto"`
	Prune          *bool    `json:"prune"`
	Threshold      *float64 `json:"threshold"`
	RecentMessages *int     `json:"recent_messages"`
}

type fileRuntimeConfig struct {
	WorkspaceRoot     string `json:"workspace_root"`
	ContextTokenLimit int    `json:"context_token_limit"`
	DevelopmentMode   *bool  `json:"development_mode"`
}

type fileToggle struct {
	Enabled *bool `json:"enabled"`
}

type fileLoggingConfig struct {
	Debug *bool `json:"debug"`
}

type fileConfig struct {
	Provider      *ProviderConfig       `json:"provider"`
	Runtime       *fileRuntimeConfig    `json:"runtime"`
	Safety        *SafetyConfig         `json:"safety"`
	Compaction    *fileCompactionConfig `json:"compaction"`
	Approval      *ApprovalConfig       `json:"approval"`
	Permission    *PermissionConfig     `json:"permission"`
	Checkpointing *fileToggle           `json:"checkpointing"`
	Memory        *MemoryConfig         `json:"memory"`
	Storage       *StorageConfig        `json:"storage"`
	Logging       *fileLoggingConfig    `json:"logging"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:    "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:      "qwen3-coder-30b-a3b-instruct",
			Models:     []string{"qwen3-coder-30b-a3b-instruct"},
			TimeoutMS:  120000,
			MaxRetries: DefaultProviderMaxRetries,
		},
		Runtime: RuntimeConfig{
			ContextTokenLimit: DefaultRuntimeContextTokenLimit,
		},
		Safety: SafetyConfig{
			CommandTimeoutMS: 120000,
			OutputLimitBytes: 1 << 20,
			MaxParallelTools: DefaultSafetyMaxParallelTools,
		},
		Compaction: CompactionConfig{
			Auto:           true,
			Prune:          true,
			Threshold:      DefaultCompactionThreshold,
			RecentMessages: DefaultCompactionRecentMessages,
		},
		Approval: ApprovalConfig{Mode: ApprovalModeDefault},
		Permission: PermissionConfig{
			Default: "ask",
			Tools: map[string]string{
				"read_file":           "allow",
				"list_directory":      "allow",
				"glob":                "allow",
				"search_file_content": "allow",
				"save_memory":         "allow",
				"write_file":          "ask",
				"replace":             "ask",
				"run_shell_command":   "ask",
			},
			Shell: map[string]string{
				"*":          "ask",
				"ls *":       "allow",
				"cat *":      "allow",
				"grep *":     "allow",
				"git status": "allow",
				"git diff*":  "allow",
				"go test *":  "allow",
				"pytest*":    "allow",
				"npm test*":  "allow",
			},
		},
		Checkpointing: CheckpointingConfig{Enabled: true},
		Memory: MemoryConfig{
			FileName:   "AGENTS.md",
			GlobalPath: "~/" + projectDirName + "/AGENTS.md",
		},
		Storage: StorageConfig{
			BaseDir:  "~/" + projectDirName,
			LogMaxMB: 20,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("AGENT_CONFIG_PATH")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return applyEnv(cfg)
}

func globalConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, projectDirName, "config.json"),
		filepath.Join(home, projectDirName, "config.jsonc"),
	}
}

func findProjectConfigPath() string {
	candidates := []string{
		"agent.config.json",
		"agent.config.jsonc",
		filepath.Join(projectDirName, "config.json"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	cleaned := stripJSONComments(data)
	var fileCfg fileConfig
	if err := json.Unmarshal(cleaned, &fileCfg); err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	applyFileConfig(cfg, fileCfg)
	return nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Provider != nil {
		cfg.Provider = mergeProvider(cfg.Provider, *fc.Provider)
	}
	if fc.Runtime != nil {
		if strings.TrimSpace(fc.Runtime.WorkspaceRoot) != "" {
			cfg.Runtime.WorkspaceRoot = fc.Runtime.WorkspaceRoot
		}
		if fc.Runtime.ContextTokenLimit > 0 {
			cfg.Runtime.ContextTokenLimit = fc.Runtime.ContextTokenLimit
		}
		if fc.Runtime.DevelopmentMode != nil {
			cfg.Runtime.DevelopmentMode = *fc.Runtime.DevelopmentMode
		}
	}
	if fc.Safety != nil {
		cfg.Safety = mergeSafety(cfg.Safety, *fc.Safety)
	}
	if fc.Compaction != nil {
		if fc.Compaction.Auto != nil {
			cfg.Compaction.Auto = *fc.Compaction.Auto
		}
		if fc.Compaction.Prune != nil {
			cfg.Compaction.Prune = *fc.Compaction.Prune
		}
		if fc.Compaction.Threshold != nil {
			cfg.Compaction.Threshold = *fc.Compaction.Threshold
		}
		if fc.Compaction.RecentMessages != nil {
			cfg.Compaction.RecentMessages = *fc.Compaction.RecentMessages
		}
	}
	if fc.Approval != nil && strings.TrimSpace(fc.Approval.Mode) != "" {
		cfg.Approval.Mode = fc.Approval.Mode
	}
	if fc.Permission != nil {
		cfg.Permission = mergePermission(cfg.Permission, *fc.Permission)
	}
	if fc.Checkpointing != nil && fc.Checkpointing.Enabled != nil {
		cfg.Checkpointing.Enabled = *fc.Checkpointing.Enabled
	}
	if fc.Memory != nil {
		if strings.TrimSpace(fc.Memory.FileName) != "" {
			cfg.Memory.FileName = fc.Memory.FileName
		}
		if strings.TrimSpace(fc.Memory.GlobalPath) != "" {
			cfg.Memory.GlobalPath = fc.Memory.GlobalPath
		}
		if fc.Memory.InstructionFiles != nil {
			cfg.Memory.InstructionFiles = append([]string(nil), fc.Memory.InstructionFiles...)
		}
	}
	if fc.Storage != nil {
		if strings.TrimSpace(fc.Storage.BaseDir) != "" {
			cfg.Storage.BaseDir = fc.Storage.BaseDir
		}
		if fc.Storage.LogMaxMB > 0 {
			cfg.Storage.LogMaxMB = fc.Storage.LogMaxMB
		}
	}
	if fc.Logging != nil && fc.Logging.Debug != nil {
		cfg.Logging.Debug = *fc.Logging.Debug
	}
}

func mergeProvider(base ProviderConfig, override ProviderConfig) ProviderConfig {
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = override.BaseURL
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = override.Model
	}
	if strings.TrimSpace(override.APIKey) != "" {
		base.APIKey = override.APIKey
	}
	if len(override.Models) > 0 {
		base.Models = append([]string(nil), override.Models...)
	}
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	return base
}

func mergeSafety(base SafetyConfig, override SafetyConfig) SafetyConfig {
	if override.CommandTimeoutMS > 0 {
		base.CommandTimeoutMS = override.CommandTimeoutMS
	}
	if override.OutputLimitBytes > 0 {
		base.OutputLimitBytes = override.OutputLimitBytes
	}
	if override.MaxParallelTools > 0 {
		base.MaxParallelTools = override.MaxParallelTools
	}
	return base
}

// mergePermission 对 tools/shell 做键级合并，command_allowlist 以覆盖方为准。
// mergePermission merges tools/shell per key; command_allowlist is replaced by the override.
func mergePermission(base PermissionConfig, override PermissionConfig) PermissionConfig {
	if strings.TrimSpace(override.Default) != "" {
		base.Default = override.Default
	}
	base.Tools = mergeRuleMap(base.Tools, override.Tools)
	base.Shell = mergeRuleMap(base.Shell, override.Shell)
	if len(override.CommandAllowlist) > 0 {
		base.CommandAllowlist = append([]string(nil), override.CommandAllowlist...)
	}
	return base
}

func mergeRuleMap(base, override map[string]string) map[string]string {
	if len(override) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func normalize(cfg *Config) error {
	def := Default()
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = def.Provider.BaseURL
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = def.Provider.Model
	}
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}
	if cfg.Provider.MaxRetries <= 0 {
		cfg.Provider.MaxRetries = def.Provider.MaxRetries
	}
	cfg.Provider.Models = normalizeModelList(cfg.Provider.Models)
	if !containsString(cfg.Provider.Models, cfg.Provider.Model) {
		cfg.Provider.Models = normalizeModelList(append([]string{cfg.Provider.Model}, cfg.Provider.Models...))
	}

	if cfg.Runtime.ContextTokenLimit <= 0 {
		cfg.Runtime.ContextTokenLimit = def.Runtime.ContextTokenLimit
	}
	cfg.Runtime.WorkspaceRoot = strings.TrimSpace(cfg.Runtime.WorkspaceRoot)

	if cfg.Safety.CommandTimeoutMS <= 0 {
		cfg.Safety.CommandTimeoutMS = def.Safety.CommandTimeoutMS
	}
	if cfg.Safety.OutputLimitBytes <= 0 {
		cfg.Safety.OutputLimitBytes = def.Safety.OutputLimitBytes
	}
	if cfg.Safety.MaxParallelTools <= 0 {
		cfg.Safety.MaxParallelTools = def.Safety.MaxParallelTools
	}

	if cfg.Compaction.Threshold <= 0 || cfg.Compaction.Threshold >= 1 {
		cfg.Compaction.Threshold = def.Compaction.Threshold
	}
	if cfg.Compaction.RecentMessages <= 0 {
		cfg.Compaction.RecentMessages = def.Compaction.RecentMessages
	}

	mode, err := NormalizeApprovalMode(cfg.Approval.Mode)
	if err != nil {
		return err
	}
	cfg.Approval.Mode = mode

	cfg.Permission.Default = strings.ToLower(strings.TrimSpace(cfg.Permission.Default))
	if cfg.Permission.Default == "" {
		cfg.Permission.Default = "ask"
	}
	if len(cfg.Permission.Shell) == 0 {
		cfg.Permission.Shell = def.Permission.Shell
	}
	// 归一化 command_allowlist：按命令名小写存储，去重。
	if len(cfg.Permission.CommandAllowlist) > 0 {
		seen := map[string]struct{}{}
		norm := make([]string, 0, len(cfg.Permission.CommandAllowlist))
		for _, raw := range cfg.Permission.CommandAllowlist {
			name := NormalizeCommandName(raw)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			norm = append(norm, name)
		}
		cfg.Permission.CommandAllowlist = norm
	}

	if strings.TrimSpace(cfg.Memory.FileName) == "" {
		cfg.Memory.FileName = def.Memory.FileName
	}
	globalMemory, err := expandPath(cfg.Memory.GlobalPath)
	if err != nil {
		return err
	}
	cfg.Memory.GlobalPath = globalMemory
	cfg.Memory.InstructionFiles = normalizePaths(cfg.Memory.InstructionFiles)

	storageDir, err := expandPath(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	if storageDir == "" {
		if storageDir, err = expandPath(def.Storage.BaseDir); err != nil {
			return err
		}
	}
	cfg.Storage.BaseDir = storageDir
	if cfg.Storage.LogMaxMB <= 0 {
		cfg.Storage.LogMaxMB = def.Storage.LogMaxMB
	}
	return nil
}

// NormalizeApprovalMode 接受 default / auto_edit / yolo（大小写、连字符不敏感），空串视为 default。
// NormalizeApprovalMode accepts default / auto_edit / yolo (case and dash insensitive); empty means default.
func NormalizeApprovalMode(mode string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(mode))
	m = strings.ReplaceAll(m, "-", "_")
	switch m {
	case "":
		return ApprovalModeDefault, nil
	case ApprovalModeDefault, ApprovalModeAutoEdit, ApprovalModeYolo:
		return m, nil
	default:
		return "", fmt.Errorf("invalid approval mode %q", mode)
	}
}

func applyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("AGENT_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_WORKSPACE_ROOT")); v != "" {
		cfg.Runtime.WorkspaceRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_CACHE_PATH")); v != "" {
		cfg.Storage.BaseDir = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_APPROVAL_MODE")); v != "" {
		cfg.Approval.Mode = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_DEBUG")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid AGENT_DEBUG: %q", v)
		}
		cfg.Logging.Debug = b
	}

	return cfg, normalize(&cfg)
}

// ProjectTempDir 返回项目级的临时目录（检查点、影子仓库）。
// ProjectTempDir returns the per-project temp dir under the storage base dir (checkpoints, shadow repo).
func (c Config) ProjectTempDir(workspaceRoot string) string {
	name := filepath.Base(filepath.Clean(workspaceRoot))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "root"
	}
	return filepath.Join(c.Storage.BaseDir, "tmp", name+"-"+shortHash(workspaceRoot))
}

func shortHash(s string) string {
	// FNV-1a, 32 bit
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}

func normalizePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := map[string]struct{}{}
	for _, p := range paths {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		expanded, err := expandPath(trimmed)
		if err != nil {
			continue
		}
		if _, ok := seen[expanded]; ok {
			continue
		}
		seen[expanded] = struct{}{}
		out = append(out, expanded)
	}
	return out
}

// NormalizeCommandName 归一化命令名：去掉前置环境变量，取命令基名并转为小写。
// NormalizeCommandName normalizes a shell command to its base name (lowercased), ignoring leading env assignments.
func NormalizeCommandName(command string) string {
	for _, part := range strings.Fields(command) {
		// 跳过形如 KEY=VAL 的前置环境变量（不含路径分隔符）。
		if strings.Contains(part, "=") && !strings.Contains(part, "/") {
			continue
		}
		return strings.ToLower(filepath.Base(part))
	}
	return ""
}

func normalizeModelList(models []string) []string {
	out := make([]string, 0, len(models))
	seen := map[string]struct{}{}
	for _, m := range models {
		trimmed := strings.TrimSpace(m)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func containsString(items []string, needle string) bool {
	for _, item := range items {
		if item == needle {
			return true
		}
	}
	return false
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}

func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	out := bytes.Buffer{}

	for i := 0; i < len(data); i++ {
		c := data[i]
		next := byte(0)
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			if c == '"' {
				state = stateString
				out.WriteByte(c)
				continue
			}
			if c == '/' && next == '/' {
				state = stateLineComment
				i++
				continue
			}
			if c == '/' && next == '*' {
				state = stateBlockComment
				i++
				continue
			}
			out.WriteByte(c)
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return out.Bytes()
}
