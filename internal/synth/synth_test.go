package synth

import (
	"strings"
	"testing"

	"github.com/jkaninda/mcpbox/internal/config"
	"github.com/jkaninda/mcpbox/internal/schema"
)

func baseParams() Params {
	return Params{
		InstanceID: "inst-1",
		BridgeAddr: "127.0.0.1:49213",
		Tools: []schema.ToolDescriptor{
			{Name: "create_issue"},
			{Name: "list-issues"},
		},
		Code:      `const issue = await create_issue({ title: "bug" }); return issue;`,
		TimeoutMs: 30000,
		MaxCalls:  50,
	}
}

func TestModule_EmbedsUserCodeAndBridge(t *testing.T) {
	src := Module(baseParams())

	if !strings.Contains(src, `const issue = await create_issue({ title: "bug" }); return issue;`) {
		t.Error("user code not embedded verbatim")
	}
	if !strings.Contains(src, `"http://127.0.0.1:49213/call"`) {
		t.Error("bridge URL not baked in")
	}
	if !strings.Contains(src, `"inst-1"`) {
		t.Error("instance id not baked in")
	}
	if !strings.Contains(src, "30000") {
		t.Error("timeout not baked in")
	}
}

func TestModule_StubPerTool(t *testing.T) {
	src := Module(baseParams())

	if !strings.Contains(src, `"create_issue": (input) => __bridgeCall("create_issue", input)`) {
		t.Error("missing create_issue stub")
	}
	if !strings.Contains(src, `"list-issues": (input) => __bridgeCall("list-issues", input)`) {
		t.Error("missing list-issues stub")
	}
	// Bare bindings only for names that are valid identifiers.
	if !strings.Contains(src, `const create_issue = __toolImpls["create_issue"];`) {
		t.Error("create_issue should get a bare binding")
	}
	if strings.Contains(src, "const list-issues") {
		t.Error("hyphenated name must not get a bare binding")
	}
}

func TestModule_ReservedNameNotBoundBare(t *testing.T) {
	p := baseParams()
	p.Tools = []schema.ToolDescriptor{{Name: "delete"}, {Name: "fetch"}}
	src := Module(p)

	if strings.Contains(src, "const delete =") || strings.Contains(src, "const fetch =") {
		t.Error("reserved names must stay proxy-only")
	}
	if !strings.Contains(src, `"delete": (input) => __bridgeCall("delete", input)`) {
		t.Error("reserved-name tool still needs its stub under the proxy")
	}
}

func TestModule_DenyAllRemovesFetch(t *testing.T) {
	src := Module(baseParams()) // zero policy denies all

	if !strings.Contains(src, "delete globalThis.fetch;") {
		t.Error("deny-all policy must remove the outbound primitive")
	}
	if strings.Contains(src, "x-mcpbox-allowed-hosts") {
		t.Error("deny-all policy must not install the header shim")
	}
	// The bridge keeps its own reference regardless.
	if !strings.Contains(src, "const __rawFetch") {
		t.Error("raw fetch capture missing")
	}
}

func TestModule_PolicyShimAttachesHeaders(t *testing.T) {
	p := baseParams()
	p.Policy = config.NetworkPolicy{
		AllowedHosts:   []string{"api.github.com", "example.com"},
		AllowLocalhost: true,
	}
	src := Module(p)

	if !strings.Contains(src, `"api.github.com,example.com"`) {
		t.Error("allow-list not embedded")
	}
	if !strings.Contains(src, `headers.set("x-mcpbox-allowed-hosts", __ALLOWED_HOSTS);`) {
		t.Error("allow-list header not attached")
	}
	if !strings.Contains(src, `headers.set("x-mcpbox-allow-localhost", String(__ALLOW_LOCALHOST));`) {
		t.Error("localhost flag header not attached")
	}
	if strings.Contains(src, "delete globalThis.fetch;") {
		t.Error("permissive policy must keep fetch available")
	}
}

func TestModule_TimeoutRaceAndMetrics(t *testing.T) {
	src := Module(baseParams())

	if !strings.Contains(src, "Promise.race([__userCode(), __deadline])") {
		t.Error("user code not raced against the timer")
	}
	if !strings.Contains(src, `"__MCPBOX_TIMEOUT__"`) {
		t.Error("timeout sentinel missing")
	}
	if !strings.Contains(src, "execution timed out after 30000ms") {
		t.Error("timeout error message missing")
	}
	if !strings.Contains(src, "mcp_calls_made: __metrics.calls") {
		t.Error("call count metric missing")
	}
	if !strings.Contains(src, "tools_called: Array.from(__metrics.tools).sort()") {
		t.Error("tool name metric missing")
	}
	if !strings.Contains(src, "__restoreConsole();") {
		t.Error("console must be restored after the run")
	}
}

func TestModule_ProxyRejectsUnknownTools(t *testing.T) {
	src := Module(baseParams())

	if !strings.Contains(src, "available tools: ") {
		t.Error("unknown tool error must list the real names")
	}
	if !strings.Contains(src, `prop === "then"`) {
		t.Error("proxy must pass through await-related keys")
	}
	if !strings.Contains(src, "const mcp = tools;") {
		t.Error("mcp alias missing")
	}
}

func TestModule_CallCapEmbedded(t *testing.T) {
	src := Module(baseParams())
	if !strings.Contains(src, "const __MAX_CALLS = 50;") {
		t.Error("call cap not embedded")
	}
	if !strings.Contains(src, "upstream call limit reached") {
		t.Error("call cap enforcement missing")
	}
}
