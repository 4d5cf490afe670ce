package i18n

var zhCNMessages = map[string]string{
	// 启动信息
	"banner.session": "会话 %s · 模型 %s · 审批 %s",
	"banner.resumed": "已恢复 %d 条历史",
	"banner.hint":    "输入 /help 查看命令，! 切换 shell 模式，@路径 引用文件。",

	// 状态栏
	"status.responding": "响应中",
	"status.running":    "正在运行 %s",
	"status.line":       "%s %s（%d 秒，ctrl+c 取消）",

	// 审批
	"approval.declined":        "%s 需要审批，但输入不是终端；已拒绝",
	"approval.always":          "始终允许 %s",
	"approval.prompt":          "允许？[y] 本次，[N] 拒绝：",
	"approval.prompt_always":   "允许？[y] 本次，[a] %s，[N] 拒绝：",
	"approval.reprompt":        "请输入 y 或 n。",
	"approval.reprompt_always": "请输入 y、a 或 n。",

	// 本地命令
	"command.help_title":      "本地命令：",
	"command.mode.desc":       "查看或切换审批模式",
	"command.sessions.desc":   "列出已保存的会话",
	"command.mode.current":    "审批模式：%s",
	"command.mode.set":        "审批模式已切换为 %s",
	"command.sessions.failed": "列出会话失败：%v",
	"command.sessions.none":   "没有会话",
}
