// Package claude holds everything that understands the Claude Code CLI's
// stream-json output and command line.
//
// # Stream model
//
// The CLI is started with --output-format stream-json and writes one JSON
// object per line. The shapes vary between CLI versions, so every line is
// converted into a Message, a closed set of variants:
//
//   - result: the final answer with cost, duration and turn count
//   - system: init information (model, tools, MCP servers)
//   - assistant: text, thinking and tool_use blocks
//   - user: tool_result blocks fed back to the model
//   - error: CLI errors and anything that could not be recognized
//   - user_input: created locally for what the human typed
//
// Raw chunks read from the process are reassembled by LineBuffer before
// being decoded with ParseLine.
//
// # Permission requests
//
// When the CLI runs without a way to ask the user, a blocked tool call shows
// up as a tool_result saying that Claude requested permission to use a tool.
// Detector recognizes that sentence. The command label it extracts is only a
// hint for the UI and must never be used to make an authorization decision.
package claude
