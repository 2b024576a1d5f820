// Package compositeui assembles the per-execution HTML document that
// embeds every UI resource a workflow produced and wires them together
// with declarative sync rules. Generation is a pure function: the same
// resources and orchestration config always produce the same document.
package compositeui

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/pmlhq/pml-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// UIProtocolVersion is the embedded host protocol advertised to iframes.
const UIProtocolVersion = "2026-01-26"

// Generate builds a composite descriptor plus its self-contained HTML.
// Resources must already carry slot indices in execution order.
func Generate(workflowID string, resources []models.UIResource, orch models.UIOrchestration) models.CompositeUI {
	layout := orch.Layout
	if layout == "" {
		layout = models.LayoutStack
	}

	slots := make(map[string]int, len(resources))
	for _, r := range resources {
		if _, seen := slots[r.Source]; !seen {
			slots[r.Source] = r.Slot
		}
	}

	sync := resolveSync(orch.Sync, slots)
	shared := resolveSharedContext(orch.SharedContext, resources)

	out := models.CompositeUI{
		Type:          "composite",
		ResourceURI:   "ui://pml/workflow/" + workflowID,
		Layout:        layout,
		Children:      resources,
		Sync:          sync,
		SharedContext: shared,
	}
	out.HTML = render(out)
	return out
}

// resolveSync substitutes slot indices for tool ids. An unknown tool id
// falls back to slot 0; "*" becomes the broadcast marker -1.
func resolveSync(rules []models.SyncRule, slots map[string]int) []models.ResolvedSyncRule {
	if len(rules) == 0 {
		return nil
	}
	out := make([]models.ResolvedSyncRule, 0, len(rules))
	for _, r := range rules {
		from := lookupSlot(slots, r.From)
		to := -1
		if r.To != "*" {
			to = lookupSlot(slots, r.To)
		}
		out = append(out, models.ResolvedSyncRule{
			From:   from,
			Event:  r.Event,
			To:     to,
			Action: r.Action,
		})
	}
	return out
}

func lookupSlot(slots map[string]int, tool string) int {
	if s, ok := slots[tool]; ok {
		return s
	}
	log.Warn().Str("tool", tool).Msg("Sync rule references unknown tool, falling back to slot 0")
	return 0
}

// resolveSharedContext takes, per key, the first non-absent value in
// resource execution order.
func resolveSharedContext(keys []string, resources []models.UIResource) map[string]interface{} {
	if len(keys) == 0 {
		return nil
	}
	out := make(map[string]interface{})
	for _, key := range keys {
		for _, r := range resources {
			if v, ok := r.Context[key]; ok {
				out[key] = v
				break
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// scriptJSON marshals v for embedding inside a <script> block. "</" is
// escaped so attacker-controlled strings cannot close the script tag.
func scriptJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return strings.ReplaceAll(string(b), "</", `<\/`)
}

func layoutCSS(layout models.UILayout, n int) string {
	switch layout {
	case models.LayoutSplit:
		return ".pml-frames{display:flex;flex-direction:row;height:100vh}.pml-frames iframe{flex:1;height:100%}"
	case models.LayoutGrid:
		cols := 2
		if n <= 1 {
			cols = 1
		}
		return fmt.Sprintf(".pml-frames{display:grid;grid-template-columns:repeat(%d,1fr);gap:8px;height:100vh}.pml-frames iframe{width:100%%;height:100%%}", cols)
	case models.LayoutTabs:
		return ".pml-frames iframe{display:none;width:100%;height:calc(100vh - 42px)}.pml-frames iframe.active{display:block}.pml-tabs{display:flex;gap:4px;padding:4px;border-bottom:1px solid var(--pml-border)}.pml-tabs button{padding:6px 14px;border:none;background:var(--pml-tab);color:var(--pml-fg);cursor:pointer;border-radius:4px 4px 0 0}.pml-tabs button.active{background:var(--pml-tab-active)}"
	default: // stack
		return ".pml-frames{display:flex;flex-direction:column}.pml-frames iframe{width:100%;min-height:320px;border-bottom:1px solid var(--pml-border)}"
	}
}

const themeCSS = `:root{--pml-bg:#ffffff;--pml-fg:#1a1a2e;--pml-border:#d8d8e4;--pml-tab:#ececf4;--pml-tab-active:#ffffff}
@media (prefers-color-scheme:dark){:root{--pml-bg:#12121c;--pml-fg:#e8e8f0;--pml-border:#2c2c3c;--pml-tab:#1e1e2c;--pml-tab-active:#2a2a3c}}
html,body{margin:0;padding:0;background:var(--pml-bg);color:var(--pml-fg);font-family:system-ui,sans-serif}
iframe{border:0;background:var(--pml-bg)}`

// eventBusJS is the host side of the iframe message protocol. It answers
// ui/initialize, routes ui/update-model-context through the resolved sync
// rules, and acknowledges JSON-RPC request ids.
const eventBusJS = `(function(){
var frames=function(){return Array.prototype.slice.call(document.querySelectorAll("iframe[data-slot]"))};
function slotOf(win){var fs=frames();for(var i=0;i<fs.length;i++){if(fs[i].contentWindow===win)return parseInt(fs[i].getAttribute("data-slot"),10)}return -1}
function frameAt(slot){var fs=frames();for(var i=0;i<fs.length;i++){if(parseInt(fs[i].getAttribute("data-slot"),10)===slot)return fs[i]}return null}
function send(frame,msg){if(frame&&frame.contentWindow)frame.contentWindow.postMessage(msg,"*")}
function ack(src,id){if(id!==undefined&&id!==null)src.postMessage({jsonrpc:"2.0",id:id,result:{}},"*")}
window.addEventListener("message",function(ev){
  var msg=ev.data;if(!msg||typeof msg!=="object")return;
  var slot=slotOf(ev.source);
  if(msg.method==="ui/initialize"){
    ev.source.postMessage({jsonrpc:"2.0",id:msg.id,result:{
      protocolVersion:PROTOCOL_VERSION,
      capabilities:{sync:true,sharedContext:true},
      hostContext:{
        theme:window.matchMedia&&window.matchMedia("(prefers-color-scheme: dark)").matches?"dark":"light",
        slot:slot,
        sharedContext:SHARED_CONTEXT
      }
    }},"*");
    return;
  }
  if(msg.method==="ui/update-model-context"){
    var p=msg.params||{};
    for(var i=0;i<SYNC_RULES.length;i++){
      var rule=SYNC_RULES[i];
      if(rule.from!==slot||rule.event!==p.event)continue;
      var payload={jsonrpc:"2.0",method:"ui/notifications/tool-result",params:{action:rule.action,data:p.data,sourceSlot:slot,sharedContext:SHARED_CONTEXT}};
      if(rule.to===-1){
        var fs=frames();
        for(var j=0;j<fs.length;j++){if(parseInt(fs[j].getAttribute("data-slot"),10)!==slot)send(fs[j],payload)}
      }else{
        send(frameAt(rule.to),payload);
      }
    }
    ack(ev.source,msg.id);
  }
});
var tabs=document.querySelectorAll(".pml-tabs button");
tabs.forEach(function(btn){btn.addEventListener("click",function(){
  tabs.forEach(function(b){b.classList.remove("active")});
  frames().forEach(function(f){f.classList.remove("active")});
  btn.classList.add("active");
  var f=frameAt(parseInt(btn.getAttribute("data-slot"),10));if(f)f.classList.add("active");
})});
})();`

// render produces the full HTML document for a composite descriptor.
func render(c models.CompositeUI) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	b.WriteString("<title>" + html.EscapeString(c.ResourceURI) + "</title>\n")
	b.WriteString("<style>\n" + themeCSS + "\n" + layoutCSS(c.Layout, len(c.Children)) + "\n</style>\n")
	b.WriteString("</head>\n<body>\n")

	if c.Layout == models.LayoutTabs && len(c.Children) > 0 {
		b.WriteString("<div class=\"pml-tabs\">\n")
		for i, child := range c.Children {
			active := ""
			if i == 0 {
				active = " class=\"active\""
			}
			fmt.Fprintf(&b, "<button data-slot=\"%d\"%s>%s</button>\n",
				child.Slot, active, html.EscapeString(child.Source))
		}
		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"pml-frames\">\n")
	for i, child := range c.Children {
		class := ""
		if c.Layout == models.LayoutTabs && i == 0 {
			class = " class=\"active\""
		}
		fmt.Fprintf(&b,
			"<iframe%s sandbox=\"allow-scripts allow-same-origin\" data-slot=\"%d\" data-source=\"%s\" src=\"%s\"></iframe>\n",
			class, child.Slot, html.EscapeString(child.Source), html.EscapeString(child.ResourceURI))
	}
	b.WriteString("</div>\n")

	b.WriteString("<script>\n")
	b.WriteString("var PROTOCOL_VERSION=" + scriptJSON(UIProtocolVersion) + ";\n")
	b.WriteString("var SYNC_RULES=" + scriptJSON(nonNilRules(c.Sync)) + ";\n")
	b.WriteString("var SHARED_CONTEXT=" + scriptJSON(nonNilContext(c.SharedContext)) + ";\n")
	b.WriteString(eventBusJS)
	b.WriteString("\n</script>\n</body>\n</html>\n")
	return b.String()
}

func nonNilRules(r []models.ResolvedSyncRule) []models.ResolvedSyncRule {
	if r == nil {
		return []models.ResolvedSyncRule{}
	}
	return r
}

func nonNilContext(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
