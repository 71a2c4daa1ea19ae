package claude

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildArgs_Defaults(t *testing.T) {
	args := defaultOptions().buildArgs()

	require.Contains(t, args, "--output-format")
	require.Contains(t, args, "--input-format")
	require.Contains(t, args, "--verbose")
	require.Contains(t, args, "--model")
	require.Contains(t, args, "claude-sonnet-4-6")
	require.Contains(t, args, "--thinking")
	require.Contains(t, args, "adaptive")
	require.Contains(t, args, "--permission-mode")
	require.Contains(t, args, "bypassPermissions")
	require.Contains(t, args, "--allow-dangerously-skip-permissions")
}

func TestBuildArgs_ModelAndThinking(t *testing.T) {
	o := defaultOptions()
	WithModel("claude-opus-4-6")(o)
	WithThinking(ThinkingDisabled)(o)
	args := o.buildArgs()

	require.Contains(t, args, "claude-opus-4-6")
	require.Contains(t, args, "disabled")
	require.NotContains(t, args, "adaptive")
}

func TestBuildArgs_MaxTurnsAndEffort(t *testing.T) {
	o := defaultOptions()
	WithMaxTurns(5)(o)
	WithEffort(EffortHigh)(o)
	args := o.buildArgs()

	require.Contains(t, args, "--max-turns")
	require.Contains(t, args, "5")
	require.Contains(t, args, "--effort")
	require.Contains(t, args, "high")
}

func TestBuildArgs_SessionResumeAndFork(t *testing.T) {
	o := defaultOptions()
	WithSessionID("abc-123")(o)
	WithForkSession()(o)
	args := o.buildArgs()

	require.Contains(t, args, "--resume")
	require.Contains(t, args, "abc-123")
	require.Contains(t, args, "--fork-session")
	require.NotContains(t, args, "--continue")
}

func TestBuildArgs_ContinueOmitsResumeFlag(t *testing.T) {
	o := defaultOptions()
	WithContinue()(o)
	args := o.buildArgs()

	require.Contains(t, args, "--continue")
	require.NotContains(t, args, "--resume")
}

func TestBuildArgs_AllowedAndDisallowedToolsAreCommaJoined(t *testing.T) {
	o := defaultOptions()
	WithAllowedTools("Read", "Write")(o)
	WithDisallowedTools("Bash")(o)
	args := o.buildArgs()

	require.Contains(t, args, "--allowedTools")
	require.Contains(t, args, "Read,Write")
	require.Contains(t, args, "--disallowedTools")
	require.Contains(t, args, "Bash")
}

func TestBuildArgs_BetasAreCommaJoined(t *testing.T) {
	o := defaultOptions()
	WithBetas("beta-one")(o)
	WithBetas("beta-two")(o)
	args := o.buildArgs()

	require.Contains(t, args, "--betas")
	require.Contains(t, args, "beta-one,beta-two")
}

func TestBuildArgs_FallbackModelAndBudget(t *testing.T) {
	o := defaultOptions()
	WithFallbackModel("claude-haiku-4-6")(o)
	WithMaxBudgetUSD(2.5)(o)
	args := o.buildArgs()

	require.Contains(t, args, "--fallback-model")
	require.Contains(t, args, "claude-haiku-4-6")
	require.Contains(t, args, "--max-budget-usd")
	require.Contains(t, args, "2.500000")
}

func TestBuildArgs_CheckpointingAndStrictMcpConfig(t *testing.T) {
	o := defaultOptions()
	WithEnableFileCheckpointing()(o)
	WithStrictMcpConfig()(o)
	args := o.buildArgs()

	require.Contains(t, args, "--enable-file-checkpointing")
	require.Contains(t, args, "--strict-mcp-config")
}

func TestBuildArgs_CWDAndPermissionPromptToolName(t *testing.T) {
	o := defaultOptions()
	WithCWD("/tmp/work")(o)
	WithPermissionPromptToolName("mcp__approvals__prompt")(o)
	args := o.buildArgs()

	require.Contains(t, args, "--cwd")
	require.Contains(t, args, "/tmp/work")
	require.Contains(t, args, "--permission-prompt-tool-name")
	require.Contains(t, args, "mcp__approvals__prompt")
}

func TestBuildArgs_PluginDirsOneFlagPerPlugin(t *testing.T) {
	o := defaultOptions()
	WithPlugins(
		SdkPluginConfig{Type: "local", Path: "/plugins/a"},
		SdkPluginConfig{Type: "local", Path: "/plugins/b"},
	)(o)
	args := o.buildArgs()

	count := 0
	for i, a := range args {
		if a == "--plugin-dir" {
			count++
			require.True(t, i+1 < len(args))
		}
	}
	require.Equal(t, 2, count)
	require.Contains(t, args, "/plugins/a")
	require.Contains(t, args, "/plugins/b")
}

func TestBuildArgs_SettingSourcesCommaJoined(t *testing.T) {
	o := defaultOptions()
	WithSettingSources(SettingSourceUser, SettingSourceProject)(o)
	args := o.buildArgs()

	require.Contains(t, args, "--setting-sources")
	require.Contains(t, args, "user,project")
}

func TestBuildArgs_NoSettingSourcesOmitsFlag(t *testing.T) {
	args := defaultOptions().buildArgs()
	require.NotContains(t, args, "--setting-sources")
}

func TestBuildArgs_McpServersPassedAsJSONConfig(t *testing.T) {
	o := defaultOptions()
	WithMcpServers(map[string]any{
		"calc": McpStdioServer{Type: "stdio", Command: "calc-server"},
	})(o)
	args := o.buildArgs()

	var found bool
	for i, a := range args {
		if a == "--mcp-config" {
			found = true
			require.Contains(t, args[i+1], `"mcpServers"`)
			require.Contains(t, args[i+1], "calc-server")
		}
	}
	require.True(t, found)
}

func TestBuildArgs_EmptyMcpServersOmitsFlag(t *testing.T) {
	args := defaultOptions().buildArgs()
	require.NotContains(t, args, "--mcp-config")
}

func TestBuildArgs_BypassPermissionsSetsBothFlags(t *testing.T) {
	o := defaultOptions()
	o.PermissionMode = ""
	o.AllowDangerouslySkipPermissions = false
	WithBypassPermissions()(o)
	args := o.buildArgs()

	require.Contains(t, args, "--permission-mode")
	require.Contains(t, args, "bypassPermissions")
	require.Contains(t, args, "--allow-dangerously-skip-permissions")
}

func TestBuildArgs_ZeroValueOptionsOmitOptionalFlags(t *testing.T) {
	o := &Options{}
	args := o.buildArgs()

	require.NotContains(t, args, "--model")
	require.NotContains(t, args, "--max-turns")
	require.NotContains(t, args, "--effort")
	require.NotContains(t, args, "--resume")
	require.NotContains(t, args, "--continue")
	require.NotContains(t, args, "--fork-session")
	require.NotContains(t, args, "--allowedTools")
	require.NotContains(t, args, "--permission-mode")
	require.NotContains(t, args, "--allow-dangerously-skip-permissions")
}

func TestWithEnv_MergesRatherThanReplaces(t *testing.T) {
	o := defaultOptions()
	WithEnv(map[string]string{"A": "1"})(o)
	WithEnv(map[string]string{"B": "2"})(o)

	require.Equal(t, "1", o.Env["A"])
	require.Equal(t, "2", o.Env["B"])
}

func TestWithHooksAndAgentsSetFields(t *testing.T) {
	o := defaultOptions()
	WithAgents(map[string]AgentDefinition{"reviewer": {Description: "reviews code"}})(o)
	WithHooks(map[HookEvent][]HookMatcher{
		HookEventPreToolUse: {{Matcher: "Bash"}},
	})(o)

	require.Equal(t, "reviews code", o.Agents["reviewer"].Description)
	require.Len(t, o.Hooks[HookEventPreToolUse], 1)
}
