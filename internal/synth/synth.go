// Package synth generates the JavaScript entry module executed inside
// an isolation host. The module is self-contained: per-tool stubs that
// route through the loopback RPC bridge, console capture, a network
// policy shim, a timeout race around the user code, and per-execution
// call metrics. Synthesis is pure string assembly with no I/O.
package synth

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jkaninda/mcpbox/internal/config"
	"github.com/jkaninda/mcpbox/internal/schema"
)

// Params carries everything the generated module needs baked in.
// MaxCalls caps bridge round trips per execution; zero means no cap.
type Params struct {
	InstanceID string
	BridgeAddr string
	Tools      []schema.ToolDescriptor
	Code       string
	Policy     config.NetworkPolicy
	TimeoutMs  int
	MaxCalls   int
}

// timeoutSentinel is the race marker distinguishing timer expiry from
// a user code exception.
const timeoutSentinel = "__MCPBOX_TIMEOUT__"

var identPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// jsReserved covers keywords plus globals the module itself defines.
var jsReserved = map[string]bool{
	"await": true, "break": true, "case": true, "catch": true,
	"class": true, "const": true, "continue": true, "debugger": true,
	"default": true, "delete": true, "do": true, "else": true,
	"enum": true, "export": true, "extends": true, "false": true,
	"finally": true, "for": true, "function": true, "if": true,
	"import": true, "in": true, "instanceof": true, "let": true,
	"new": true, "null": true, "return": true, "static": true,
	"super": true, "switch": true, "this": true, "throw": true,
	"true": true, "try": true, "typeof": true, "var": true,
	"void": true, "while": true, "with": true, "yield": true,
	"console": true, "fetch": true, "tools": true, "mcp": true,
}

// Module renders the complete entry module source.
func Module(p Params) string {
	var b strings.Builder

	names := make([]string, len(p.Tools))
	for i, t := range p.Tools {
		names[i] = t.Name
	}
	namesJSON, _ := json.Marshal(names)

	fmt.Fprintf(&b, "const __BRIDGE_URL = %s;\n", jsString("http://"+p.BridgeAddr+"/call"))
	fmt.Fprintf(&b, "const __INSTANCE_ID = %s;\n", jsString(p.InstanceID))
	fmt.Fprintf(&b, "const __MAX_CALLS = %d;\n", p.MaxCalls)
	fmt.Fprintf(&b, "const __TOOL_NAMES = %s;\n", namesJSON)
	b.WriteString(prologue)

	writePolicyShim(&b, p.Policy)
	writeStubs(&b, p.Tools)

	b.WriteString("\nasync function __userCode() {\n")
	b.WriteString(p.Code)
	b.WriteString("\n}\n")

	fmt.Fprintf(&b, epilogue, timeoutSentinel, p.TimeoutMs, timeoutSentinel, p.TimeoutMs)
	return b.String()
}

// prologue holds the parts independent of tools and policy: the raw
// fetch capture, metrics state, console capture, and the bridge caller.
const prologue = `const __rawFetch = globalThis.fetch ? globalThis.fetch.bind(globalThis) : undefined;

const __metrics = { calls: 0, tools: new Set() };
const __output = [];

const __console = {
  log: console.log,
  info: console.info,
  warn: console.warn,
  error: console.error,
};
function __format(args) {
  return args.map((a) => {
    if (typeof a === "string") return a;
    try { return JSON.stringify(a); } catch { return String(a); }
  }).join(" ");
}
console.log = (...args) => { __output.push(__format(args)); };
console.info = (...args) => { __output.push("[info] " + __format(args)); };
console.warn = (...args) => { __output.push("[warn] " + __format(args)); };
console.error = (...args) => { __output.push("[error] " + __format(args)); };
function __restoreConsole() {
  console.log = __console.log;
  console.info = __console.info;
  console.warn = __console.warn;
  console.error = __console.error;
}

async function __bridgeCall(toolName, input) {
  if (__MAX_CALLS > 0 && __metrics.calls >= __MAX_CALLS) {
    throw new Error("upstream call limit reached (" + __MAX_CALLS + " calls)");
  }
  __metrics.calls += 1;
  __metrics.tools.add(toolName);
  const resp = await __rawFetch(__BRIDGE_URL, {
    method: "POST",
    headers: { "content-type": "application/json" },
    body: JSON.stringify({ instanceId: __INSTANCE_ID, toolName: toolName, input: input ?? {} }),
  });
  const payload = await resp.json();
  if (!payload.success) {
    throw new Error(payload.error || "bridge call failed");
  }
  return payload.result;
}
`

func writePolicyShim(b *strings.Builder, policy config.NetworkPolicy) {
	if !policy.Allowed() {
		// Deny all: no outbound primitive is exposed to user code at
		// all. The bridge keeps its private reference via __rawFetch.
		b.WriteString("\ndelete globalThis.fetch;\n")
		return
	}
	hosts := strings.Join(policy.AllowedHosts, ",")
	fmt.Fprintf(b, `
const __ALLOWED_HOSTS = %s;
const __ALLOW_LOCALHOST = %s;
globalThis.fetch = (input, init) => {
  init = init || {};
  const headers = new Headers(init.headers || {});
  headers.set("x-mcpbox-allowed-hosts", __ALLOWED_HOSTS);
  headers.set("x-mcpbox-allow-localhost", String(__ALLOW_LOCALHOST));
  return __rawFetch(input, { ...init, headers: headers });
};
`, jsString(hosts), jsBool(policy.AllowLocalhost))
}

func writeStubs(b *strings.Builder, toolDescriptors []schema.ToolDescriptor) {
	b.WriteString("\nconst __toolImpls = {\n")
	for _, t := range toolDescriptors {
		fmt.Fprintf(b, "  %s: (input) => __bridgeCall(%s, input),\n",
			jsString(t.Name), jsString(t.Name))
	}
	b.WriteString("};\n")

	// Accessing an unknown tool fails immediately with the real names.
	// Reserved keys pass through so the object stays await-safe and
	// serializable.
	b.WriteString(`const tools = new Proxy(__toolImpls, {
  get(target, prop) {
    if (typeof prop === "symbol" || prop === "then" || prop === "toJSON" ||
        prop === "constructor" || prop === "hasOwnProperty") {
      return target[prop];
    }
    if (Object.prototype.hasOwnProperty.call(target, prop)) {
      return target[prop];
    }
    throw new Error("unknown tool \"" + String(prop) + "\"; available tools: " + __TOOL_NAMES.join(", "));
  },
});
const mcp = tools;
`)

	for _, t := range toolDescriptors {
		if identPattern.MatchString(t.Name) && !jsReserved[t.Name] {
			fmt.Fprintf(b, "const %s = __toolImpls[%s];\n", t.Name, jsString(t.Name))
		}
	}
}

// epilogue races the user code against the timer and shapes the final
// result object. The result object is the module's completion value.
const epilogue = `
async function __run() {
  let __timer;
  const __deadline = new Promise((resolve) => {
    __timer = setTimeout(() => resolve(%q), %d);
  });
  try {
    const settled = await Promise.race([__userCode(), __deadline]);
    if (settled === %q) {
      return {
        success: false,
        error: "execution timed out after %dms",
        output: __output.join("\n"),
        metrics: __collectMetrics(),
      };
    }
    return {
      success: true,
      output: __output.join("\n"),
      result: settled === undefined ? null : settled,
      metrics: __collectMetrics(),
    };
  } catch (err) {
    return {
      success: false,
      error: err instanceof Error ? err.message : String(err),
      stack: err instanceof Error ? err.stack : undefined,
      output: __output.join("\n"),
      metrics: __collectMetrics(),
    };
  } finally {
    clearTimeout(__timer);
    __restoreConsole();
  }
}

function __collectMetrics() {
  return {
    mcp_calls_made: __metrics.calls,
    tools_called: Array.from(__metrics.tools).sort(),
  };
}

await __run();
`

func jsString(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}

func jsBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
