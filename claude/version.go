package claude

// SDKVersion is the current version of the claude-agent-sdk-go module.
// It is reported to the claude subprocess via the CLAUDE_AGENT_SDK_VERSION
// environment variable for Anthropic telemetry.
const SDKVersion = "0.3.0"
