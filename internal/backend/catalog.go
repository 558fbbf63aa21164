// ABOUTME: Builtin transport catalog entries for courier.
// ABOUTME: New transports are added here (or via the TOML overlay), never as code paths.

package backend

// builtinCatalog is the compiled-in transport catalog. A TOML overlay file
// may replace entries or add new ones at startup; after that the registry
// is frozen.
var builtinCatalog = []Config{
	{
		Name:          "imessage",
		Label:         "iMessage",
		SessionSuffix: "imsg",
		IDPrefix:      "imsg:",
		SendCommand:   []string{"osascript", "-e", imessageSendScript, "{id}", "{text}"},
		GroupSendCommand: []string{
			"osascript", "-e", imessageGroupSendScript, "{group_id}", "{text}",
		},
		HistoryCommand: []string{"imsg-history", "--chat", "{id}", "--limit", "{limit}"},
	},
	{
		Name:             "signal",
		Label:            "Signal",
		SessionSuffix:    "sgnl",
		IDPrefix:         "signal:",
		SendCommand:      []string{"signal-cli", "send", "-m", "{text}", "{id}"},
		GroupSendCommand: []string{"signal-cli", "send", "-m", "{text}", "-g", "{group_id}"},
		HistoryCommand:   nil,
	},
	{
		Name:             "matrix",
		Label:            "Matrix",
		SessionSuffix:    "mtrx",
		IDPrefix:         "",
		SendCommand:      []string{"courier-matrix", "send", "{id}", "{text}"},
		GroupSendCommand: []string{"courier-matrix", "send", "{group_id}", "{text}"},
		HistoryCommand:   nil,
	},
}

const imessageSendScript = `on run {targetId, messageText}
	tell application "Messages"
		set targetService to 1st account whose service type = iMessage
		set targetBuddy to participant targetId of targetService
		send messageText to targetBuddy
	end tell
end run`

const imessageGroupSendScript = `on run {chatId, messageText}
	tell application "Messages"
		send messageText to chat id chatId
	end tell
end run`
