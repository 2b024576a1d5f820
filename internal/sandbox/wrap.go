package sandbox

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// resultMarker prefixes the single stdout line carrying the execution
// envelope, separating it from anything the user code printed.
const resultMarker = "__PML_RESULT__"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// InvalidContextError reports a context key that cannot be bound as a
// JavaScript identifier.
type InvalidContextError struct {
	Key string
}

func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("invalid context key %q: not a valid identifier", e.Key)
}

// statementKeywords drive the REPL heuristic: code containing none of
// them is treated as a pure expression and wrapped in a return.
var statementKeywords = []string{
	"const", "let", "var", "function", "class", "if", "for",
	"while", "do", "switch", "try", "return", "throw", "break", "continue",
}

var keywordPattern = regexp.MustCompile(
	`\b(` + strings.Join(statementKeywords, "|") + `)\b`)

// isExpression reports whether code should get an implicit return.
func isExpression(code string) bool {
	return !keywordPattern.MatchString(code)
}

// bridgePrelude is the in-sandbox side of the RPC bridge. It exposes
// mcp[server][tool](args) as promises resolved by rpc_result lines read
// from stdin, correlated by UUID.
const bridgePrelude = `
const __pending = new Map();
const __enc = new TextEncoder();
function __emit(obj) {
  Deno.stdout.writeSync(__enc.encode(JSON.stringify(obj) + "\n"));
}
(async () => {
  const dec = new TextDecoder();
  let buf = "";
  for await (const chunk of Deno.stdin.readable) {
    buf += dec.decode(chunk);
    let nl;
    while ((nl = buf.indexOf("\n")) >= 0) {
      const line = buf.slice(0, nl);
      buf = buf.slice(nl + 1);
      if (!line) continue;
      let msg;
      try { msg = JSON.parse(line); } catch { continue; }
      if (msg.type !== "rpc_result") continue;
      const p = __pending.get(msg.id);
      if (!p) continue;
      __pending.delete(msg.id);
      if (msg.success) p.resolve(msg.result);
      else p.reject(new Error(msg.error));
    }
  }
})();
function __rpc(server, tool, args) {
  return new Promise((resolve, reject) => {
    const id = crypto.randomUUID();
    __pending.set(id, { resolve, reject });
    __emit({ type: "rpc_call", id, server, tool, args: args ?? {} });
  });
}
const mcp = new Proxy({}, {
  get: (_, server) => new Proxy({}, {
    get: (_t, tool) => (args) => __rpc(server, tool, args),
  }),
});
`

// wrapCode assembles the three-layer temp-file contents: context literal
// bindings, the user code inside an async scope, and the result envelope.
func wrapCode(code string, context map[string]interface{}) (string, error) {
	var b strings.Builder
	b.WriteString(bridgePrelude)

	names := make([]string, 0, len(context))
	for name := range context {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !identPattern.MatchString(name) {
			return "", &InvalidContextError{Key: name}
		}
		lit, err := json.Marshal(context[name])
		if err != nil {
			return "", fmt.Errorf("context value %q: %w", name, err)
		}
		fmt.Fprintf(&b, "const %s = %s;\n", name, lit)
	}

	body := code
	if isExpression(code) {
		body = "return (" + code + ");"
	}

	fmt.Fprintf(&b, `
(async () => {
%s
})().then((r) => {
  __emit0(%q + JSON.stringify({ success: true, result: r === undefined ? null : r }));
  Deno.exit(0);
}).catch((e) => {
  __emit0(%q + JSON.stringify({ success: false, error: { type: e.name ?? "Error", message: String(e.message ?? e), stack: e.stack ?? "" } }));
  Deno.exit(0);
});
function __emit0(line) {
  Deno.stdout.writeSync(__enc.encode(line + "\n"));
}
`, body, resultMarker, resultMarker)

	return b.String(), nil
}
