package translate

// Verbatim payloads required for wire compatibility. These
// strings are compared byte-for-byte by the providers that expect
// them; never reformat or "clean up" them.
const (
	AnthropicOAuthSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

	AnthropicOAuthFirstTurnUserPrimer = "Important context for using llxprt tools:\n\n" +
		"Tool Parameter Reference:\n" +
		"- read_file uses parameter 'absolute_path' (not 'file_path')\n" +
		"- write_file uses parameter 'file_path' (not 'path')\n" +
		"- list_directory uses parameter 'path'\n" +
		"- replace uses 'file_path', 'old_string', 'new_string'\n" +
		"- search_file_content (grep) expects regex patterns, not literal text\n" +
		"- todo_write requires 'todos' array with {id, content, status, priority}\n" +
		"- All file paths must be absolute (starting with /)\n\n" +
		"<LLXPRT_PROMPTS_HERE>"

	AnthropicOAuthFirstTurnAssistantAck = "I understand the llxprt tool parameters and context. I'll use the correct parameter names for each tool. Ready to help with your tasks."

	SyntheticInterruptedToolResult = "Error: Tool execution was interrupted. Please retry."
)
