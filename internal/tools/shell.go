package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Dangerous command patterns to deny by default. Defense-in-depth against
// destructive file ops, data exfiltration, reverse shells, privilege
// escalation, and known filter-bypass tricks.
// Sources: OWASP Agentic AI Top 10, MITRE ATT&CK, PayloadsAllTheThings,
// and published prompt-injection-to-RCE research on agent tool sandboxes.
var defaultDenyPatterns = []*regexp.Regexp{
	// ── Destructive file operations ──
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--recursive`),
	regexp.MustCompile(`\brm\s+.*--force`),
	regexp.MustCompile(`\bdel\s+/[fq]\b`),
	regexp.MustCompile(`\brmdir\s+/s\b`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// ── Data exfiltration ──
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bcurl\b.*(-d\b|-F\b|--data|--upload|--form|-T\b|-X\s*P(UT|OST|ATCH))`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*--post-(data|file)`),
	regexp.MustCompile(`\b(nslookup|dig|host)\b`),
	regexp.MustCompile(`/dev/tcp/`),

	// ── Reverse shells ──
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bopenssl\b.*s_client`),
	regexp.MustCompile(`\btelnet\b.*\d+`),
	regexp.MustCompile(`\bpython[23]?\b.*\bimport\s+(socket|http\.client|urllib|requests)\b`),
	regexp.MustCompile(`\bperl\b.*-e\s*.*\b[Ss]ocket\b`),
	regexp.MustCompile(`\bruby\b.*-e\s*.*\b(TCPSocket|Socket)\b`),
	regexp.MustCompile(`\bnode\b.*-e\s*.*\b(net\.connect|child_process)\b`),
	regexp.MustCompile(`\bawk\b.*/inet/`),
	regexp.MustCompile(`\bmkfifo\b`),

	// ── Dangerous eval / code injection ──
	regexp.MustCompile(`\beval\s*\$`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),

	// ── Privilege escalation ──
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bnsenter\b`),
	regexp.MustCompile(`\bunshare\b`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\b(capsh|setcap|getcap)\b`),

	// ── Dangerous path operations ──
	regexp.MustCompile(`\bchmod\s+[0-7]{3,4}\s+/`),
	regexp.MustCompile(`\bchown\b.*\s+/`),
	regexp.MustCompile(`\bchmod\b.*\+x.*/tmp/`),
	regexp.MustCompile(`\bchmod\b.*\+x.*/var/tmp/`),
	regexp.MustCompile(`\bchmod\b.*\+x.*/dev/shm/`),

	// ── Environment variable injection ──
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bDYLD_INSERT_LIBRARIES\s*=`),
	regexp.MustCompile(`\bLD_LIBRARY_PATH\s*=`),
	regexp.MustCompile(`/etc/ld\.so\.preload`),
	regexp.MustCompile(`\bGIT_EXTERNAL_DIFF\s*=`),
	regexp.MustCompile(`\bGIT_DIFF_OPTS\s*=`),
	regexp.MustCompile(`\bBASH_ENV\s*=`),
	regexp.MustCompile(`\bENV\s*=.*\bsh\b`),

	// ── Container / host escape ──
	regexp.MustCompile(`/var/run/docker\.sock|docker\.(sock|socket)`),
	regexp.MustCompile(`/proc/sys/(kernel|fs|net)/`),
	regexp.MustCompile(`/sys/(kernel|fs|class|devices)/`),

	// ── Crypto mining ──
	regexp.MustCompile(`\b(xmrig|cpuminer|minerd|cgminer|bfgminer|ethminer|nbminer|t-rex|phoenixminer|lolminer|gminer|claymore)\b`),
	regexp.MustCompile(`stratum\+tcp://|stratum\+ssl://`),

	// ── Filter bypass via argument-injection in otherwise-benign tools ──
	regexp.MustCompile(`\bsed\b.*['"]/e\b`),
	regexp.MustCompile(`\bsort\b.*--compress-program`),
	regexp.MustCompile(`\bgit\b.*(--upload-pack|--receive-pack|--exec)=`),
	regexp.MustCompile(`\b(rg|grep)\b.*--pre=`),
	regexp.MustCompile(`\bman\b.*--html=`),
	regexp.MustCompile(`\bhistory\b.*-[saw]\b`),
	regexp.MustCompile(`\$\{[^}]*@[PpEeAaKk]\}`),

	// ── Network abuse / reconnaissance ──
	regexp.MustCompile(`\b(nmap|masscan|zmap|rustscan)\b`),
	regexp.MustCompile(`\b(ssh|scp|sftp)\b.*@`),
	regexp.MustCompile(`\b(chisel|frp|ngrok|cloudflared|bore|localtunnel)\b`),

	// ── Persistence ──
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),
	regexp.MustCompile(`\btee\b.*\.(bashrc|bash_profile|profile|zshrc)`),

	// ── Process manipulation ──
	regexp.MustCompile(`\bkill\s+-9\s`),
	regexp.MustCompile(`\b(killall|pkill)\b`),

	// ── Environment variable dumping ──
	regexp.MustCompile(`^\s*env\s*$`),
	regexp.MustCompile(`^\s*env\s*\|`),
	regexp.MustCompile(`^\s*env\s*>\s`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`),
	regexp.MustCompile(`\bcompgen\s+-e\b`),
}

// secretEnvNamePattern matches environment variable names likely to hold
// credentials, stripped from the child process environment before exec.
var secretEnvNamePattern = regexp.MustCompile(`(?i)(_API_KEY|_ACCESS_KEY|_SECRET(_KEY)?|_TOKEN|PASSWORD)$`)

// secretEnvNameBlocklist names common credential vars that don't follow the
// suffix convention above.
var secretEnvNameBlocklist = map[string]bool{
	"AWS_SECRET_ACCESS_KEY": true,
	"AWS_SESSION_TOKEN":     true,
	"GITHUB_TOKEN":          true,
	"OPENAI_API_KEY":        true,
	"ANTHROPIC_API_KEY":     true,
	"NPM_TOKEN":             true,
	"DOCKER_PASSWORD":       true,
}

const maxOutputChars = 10000

// ExecTool runs a shell command on the host, with a deny-pattern filter,
// secret-stripped environment, output truncation, and a default timeout.
type ExecTool struct {
	workspace string
	restrict  bool
	timeout   time.Duration
}

func NewExecTool(workspace string, restrict bool) *ExecTool {
	return &ExecTool{workspace: workspace, restrict: restrict, timeout: 60 * time.Second}
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) ParallelSafe() bool  { return false }
func (t *ExecTool) Cacheable() bool     { return false }
func (t *ExecTool) CacheTTLSeconds() int { return 0 }
func (t *ExecTool) MaxRetries() int      { return 1 }
func (t *ExecTool) CacheKey(map[string]interface{}) (string, bool) { return "", false }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
			"timeout_s": map[string]interface{}{
				"type":        "integer",
				"description": "Optional timeout override in seconds (default 60)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	for _, pattern := range defaultDenyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command blocked by safety guard: matches pattern %s", pattern.String()))
		}
	}

	cwd := t.workspace
	if wd, _ := args["working_dir"].(string); wd != "" {
		resolved, err := resolvePath(wd, t.workspace, t.restrict)
		if err != nil {
			return ErrorResult(err.Error())
		}
		cwd = resolved
	}

	if t.restrict {
		if err := checkCdTargetsInCommand(command, t.workspace); err != nil {
			return ErrorResult(err.Error())
		}
		if err := checkAbsolutePathArgs(command, t.workspace); err != nil {
			return ErrorResult(err.Error())
		}
	}

	timeout := t.timeout
	if v, ok := args["timeout_s"].(float64); ok && v > 0 {
		timeout = time.Duration(v) * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = sanitizedEnviron(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	out := truncateChars(stdout.String(), maxOutputChars)
	errOut := truncateChars(stderr.String(), maxOutputChars)

	var result string
	if out != "" {
		result = out
	}
	if errOut != "" {
		if result != "" {
			result += "\n"
		}
		result += "STDERR:\n" + errOut
	}

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s", timeout))
		}
		if result == "" {
			result = err.Error()
		}
		return ErrorResult(result)
	}

	if result == "" {
		result = "(command completed with no output)"
	}
	return SilentResult(result)
}

var cdTargetPattern = regexp.MustCompile(`\b(cd|chdir|pushd)\s+(\S+)`)

// checkCdTargetsInCommand rejects a cd/chdir/pushd whose target resolves
// outside the workspace, when restrict_to_workspace is set.
func checkCdTargetsInCommand(command, workspace string) error {
	for _, m := range cdTargetPattern.FindAllStringSubmatch(command, -1) {
		target := strings.Trim(m[2], `"'`)
		if target == "" || strings.HasPrefix(target, "-") {
			continue
		}
		if _, err := resolvePath(target, workspace, true); err != nil {
			return fmt.Errorf("blocked by safety guard: %s escapes the workspace", m[0])
		}
	}
	return nil
}

// checkAbsolutePathArgs rejects any whitespace-separated token that looks
// like an absolute filesystem path and resolves outside the workspace, when
// restrict_to_workspace is set. This is a best-effort word scan,
// not a shell parser: it skips URL-scheme tokens (http://, https://, ...) so
// it doesn't misfire on fetch/curl arguments, and it ignores bare flags.
func checkAbsolutePathArgs(command, workspace string) error {
	for _, word := range strings.Fields(command) {
		token := strings.Trim(word, `"'`)
		if !strings.HasPrefix(token, "/") {
			continue
		}
		if strings.Contains(token, "://") {
			continue
		}
		if _, err := resolvePath(token, workspace, true); err != nil {
			return fmt.Errorf("blocked by safety guard: absolute path %q escapes the workspace", token)
		}
	}
	return nil
}

// sanitizedEnviron drops any KEY=value pair whose key looks like a secret.
func sanitizedEnviron(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			out = append(out, kv)
			continue
		}
		key := kv[:idx]
		if secretEnvNameBlocklist[key] || secretEnvNamePattern.MatchString(key) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func truncateChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("\n...[truncated, %d chars total]", len(s))
}
