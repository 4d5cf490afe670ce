package i18n

var enMessages = map[string]string{
	// Banner
	"banner.session": "session %s · model %s · approval %s",
	"banner.resumed": "resumed %d history entries",
	"banner.hint":    "Type /help for commands, ! for shell mode, @path to include files.",

	// Status line
	"status.responding": "Responding",
	"status.running":    "Running %s",
	"status.line":       "%s %s (%ds, ctrl+c to cancel)",

	// Approvals
	"approval.declined":        "approval required for %s but input is not a terminal; declined",
	"approval.always":          "always allow %s",
	"approval.prompt":          "Allow? [y]es once, [N]o: ",
	"approval.prompt_always":   "Allow? [y]es once, [a] %s, [N]o: ",
	"approval.reprompt":        "Please answer y or n.",
	"approval.reprompt_always": "Please answer y, a or n.",

	// Local commands
	"command.help_title":      "Local commands:",
	"command.mode.desc":       "show or switch the approval mode",
	"command.sessions.desc":   "list stored sessions",
	"command.mode.current":    "approval mode: %s",
	"command.mode.set":        "approval mode set to %s",
	"command.sessions.failed": "list sessions failed: %v",
	"command.sessions.none":   "no sessions",
}
