// Package risk implements the static task risk classifier. Classification is
// a pure function over an action list — no I/O, no state, never panics — so
// the router, scheduler, and API can all consult it synchronously.
//
// Levels and gating policy:
//
//	critical → task creation is blocked outright
//	high     → task is held in awaiting_confirmation until a human approves
//	medium   → delivered, flagged in the risk analysis attached to the payload
//	low      → delivered
package risk

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/types"
)

// Analysis is the classifier output persisted into the task payload.
type Analysis struct {
	Level   types.RiskLevel `json:"level"`
	Reasons []string        `json:"reasons,omitempty"`
}

// commandPattern pairs a compiled regex with the human-readable reason
// reported when it matches.
type commandPattern struct {
	re     *regexp.Regexp
	reason string
}

// Destructive command patterns. A match anywhere in a shell command makes
// the whole task critical.
var criticalCommandPatterns = []commandPattern{
	{regexp.MustCompile(`(?i)\brm\s+(?:-[a-z]+\s+)*/\*?\s*$`), "recursive delete of filesystem root"},
	{regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`), "filesystem format (mkfs)"},
	{regexp.MustCompile(`(?i)\bdd\s+.*\bif=/dev/(zero|random|urandom)\b`), "raw device overwrite (dd)"},
	{regexp.MustCompile(`(?i)^\s*format\b`), "disk format"},
	{regexp.MustCompile(`(?i)\bshutdown\b`), "system shutdown"},
}

// High-risk command patterns. Shell actions are already at least high, so
// these add specificity to the reported reasons.
var highCommandPatterns = []commandPattern{
	{regexp.MustCompile(`(?i)\bsudo\s+rm\b`), "privileged delete (sudo rm)"},
	{regexp.MustCompile(`(?i)\bchmod\s+777\b`), "world-writable permissions (chmod 777)"},
	{regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;&]*\|\s*(?:ba|z|da)?sh\b`), "piping a download into a shell"},
}

// sensitivePathPrefixes mark file deletions as critical: OS roots and
// credential stores. Comparison is prefix-based on the cleaned path.
var sensitivePathPrefixes = []string{
	"/etc", "/bin", "/sbin", "/boot", "/usr", "/lib", "/var", "/sys", "/proc", "/dev",
	"/system", "/library",
	"c:\\windows", "c:\\program files", "c:/windows", "c:/program files",
	"~/.ssh", "~/.aws", "~/.gnupg", "~/.kube", "~/.docker",
}

// shortenerDomains are URL-shortening and paste services: fetches through
// them hide the real destination, so they rank medium.
var shortenerDomains = map[string]struct{}{
	"bit.ly": {}, "tinyurl.com": {}, "goo.gl": {}, "t.co": {}, "is.gd": {},
	"ow.ly": {}, "buff.ly": {}, "rb.gy": {}, "cutt.ly": {},
	"pastebin.com": {}, "paste.ee": {}, "hastebin.com": {}, "dpaste.org": {},
}

var windowsDrive = regexp.MustCompile(`^[a-zA-Z]:[\\/]`)

// Classify evaluates an action list and returns the aggregated analysis:
// maximum level across actions, reasons union-appended in action order.
// Unknown action types classify low; a nil or empty list is low.
func Classify(actions []protocol.Action) Analysis {
	out := Analysis{Level: types.RiskLevelLow}
	for _, a := range actions {
		level, reasons := classifyAction(a)
		if level.Severity() > out.Level.Severity() {
			out.Level = level
		}
		out.Reasons = append(out.Reasons, reasons...)
	}
	return out
}

// RequiresApproval reports whether a task at this level is held for a human
// decision before routing.
func RequiresApproval(level types.RiskLevel) bool {
	return level == types.RiskLevelHigh || level == types.RiskLevelCritical
}

// ShouldBlock reports whether a task at this level is rejected outright.
func ShouldBlock(level types.RiskLevel) bool {
	return level == types.RiskLevelCritical
}

func classifyAction(a protocol.Action) (types.RiskLevel, []string) {
	switch a.Type {
	case protocol.ActionShell:
		return classifyShell(a)
	case protocol.ActionFileDelete:
		return classifyDelete(a)
	case protocol.ActionHTTPFetch:
		return classifyFetch(a)
	default:
		// noop, screenshot, input, reads/writes, and anything unrecognized.
		return types.RiskLevelLow, nil
	}
}

// classifyShell ranks a shell action. Arbitrary command execution is high by
// default; curated destructive patterns escalate to critical.
func classifyShell(a protocol.Action) (types.RiskLevel, []string) {
	command := a.Params["command"]
	reasons := []string{fmt.Sprintf("action %s: shell command execution", a.ActionID)}

	for _, p := range criticalCommandPatterns {
		if p.re.MatchString(command) {
			reasons = append(reasons, fmt.Sprintf("action %s: %s", a.ActionID, p.reason))
			return types.RiskLevelCritical, reasons
		}
	}
	for _, p := range highCommandPatterns {
		if p.re.MatchString(command) {
			reasons = append(reasons, fmt.Sprintf("action %s: %s", a.ActionID, p.reason))
		}
	}
	return types.RiskLevelHigh, reasons
}

// classifyDelete ranks a file_delete action: sensitive prefixes are
// critical, glob or absolute targets are high, relative targets are low.
func classifyDelete(a protocol.Action) (types.RiskLevel, []string) {
	path := strings.TrimSpace(a.Params["path"])
	normalized := strings.ToLower(path)

	if path == "/" || path == "/*" {
		return types.RiskLevelCritical, []string{fmt.Sprintf("action %s: delete targets filesystem root", a.ActionID)}
	}
	for _, prefix := range sensitivePathPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return types.RiskLevelCritical, []string{fmt.Sprintf("action %s: delete targets sensitive path %s", a.ActionID, prefix)}
		}
	}
	if strings.ContainsAny(path, "*?[") {
		return types.RiskLevelHigh, []string{fmt.Sprintf("action %s: glob pattern delete", a.ActionID)}
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "~") || windowsDrive.MatchString(path) {
		return types.RiskLevelHigh, []string{fmt.Sprintf("action %s: absolute path delete", a.ActionID)}
	}
	return types.RiskLevelLow, nil
}

// classifyFetch ranks an http_fetch action: URL shorteners and paste sites
// obscure the destination and rank medium. Unparseable URLs stay low — the
// classifier never rejects, validation happens at the API boundary.
func classifyFetch(a protocol.Action) (types.RiskLevel, []string) {
	raw := a.Params["url"]
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return types.RiskLevelLow, nil
	}
	host := strings.ToLower(u.Hostname())
	if _, ok := shortenerDomains[host]; ok {
		return types.RiskLevelMedium, []string{fmt.Sprintf("action %s: fetch via URL shortener or paste service %s", a.ActionID, host)}
	}
	if _, ok := shortenerDomains[strings.TrimPrefix(host, "www.")]; ok {
		return types.RiskLevelMedium, []string{fmt.Sprintf("action %s: fetch via URL shortener or paste service %s", a.ActionID, host)}
	}
	return types.RiskLevelLow, nil
}
