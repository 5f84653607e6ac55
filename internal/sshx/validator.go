// Package sshx is the SSH execution substrate: command validation, the
// bounded connection pool, and the pooled executor with strict host-key
// verification. Everything that touches a remote host goes through here.
package sshx

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/wpautohealer/backend/internal/errs"
)

const (
	maxCommandLength = 4096
	maxPathLength    = 4096
	maxParamLength   = 256
	maxEnvLength     = 1024
)

// forbiddenPatterns reject a command outright, before the allow-list is
// consulted. The ssh/scp rules are substring-conservative: a safe command
// that merely mentions them is rejected too.
var forbiddenPatterns = []*regexp.Regexp{
	// Shell metacharacters and substitution
	regexp.MustCompile("[;&|`$(){}\\[\\]]"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`>\s*\$\{`),
	// Piping into a shell
	regexp.MustCompile(`\|\s*(sh|bash|zsh|fish)\b`),
	// Network tools
	regexp.MustCompile(`\b(wget|curl|nc|netcat|telnet)\b`),
	regexp.MustCompile(`\bssh\s+`),
	regexp.MustCompile(`\bscp\s+`),
	regexp.MustCompile(`\brsync\b`),
	// Destructive filesystem operations
	regexp.MustCompile(`\brm\s+-rf\s+/`),
	regexp.MustCompile(`\b(mount|umount|fdisk|mkfs)\b`),
	// Permission and ownership changes
	regexp.MustCompile(`\bchmod\s+777\b`),
	regexp.MustCompile(`\b(chown|usermod|passwd|su|sudo)\b`),
	// Process killers
	regexp.MustCompile(`\bkill\s+-9\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
	// Package installation
	regexp.MustCompile(`\b(apt|apt-get|yum|dnf|apk|pip|pip3|npm)\s+install\b`),
}

// allowedExecutables is the closed set of first tokens a validated command
// may start with. Diagnostic tools, WordPress/PHP/MySQL tooling, service
// control, and archive utilities; nothing that opens a network connection.
var allowedExecutables = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true,
	"grep": true, "find": true, "locate": true,
	"which": true, "whereis": true, "file": true, "stat": true,
	"du": true, "df": true,
	"awk": true, "sed": true, "sort": true, "uniq": true, "wc": true, "cut": true,
	"ps": true, "top": true, "htop": true, "free": true, "uptime": true,
	"uname": true, "whoami": true, "id": true, "groups": true,
	"wp": true, "php": true, "mysql": true, "mysqldump": true,
	"apache2ctl": true, "nginx": true,
	"systemctl": true, "service": true, "journalctl": true, "logrotate": true,
	"tar": true, "gzip": true, "gunzip": true, "zip": true, "unzip": true,
}

// ValidateCommand checks a shell command against the forbidden patterns and
// the executable allow-list. Returns the trimmed command on success.
func ValidateCommand(cmd string) (string, error) {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return "", errs.NewValidation("command", cmd, "empty command")
	}
	if len(trimmed) > maxCommandLength {
		return "", errs.NewValidation("command", trimmed[:64], fmt.Sprintf("exceeds %d characters", maxCommandLength))
	}
	for _, re := range forbiddenPatterns {
		if re.MatchString(trimmed) {
			return "", errs.NewValidation("command", trimmed, "forbidden pattern: "+re.String())
		}
	}
	token := strings.Fields(trimmed)[0]
	if !executableAllowed(token) {
		return "", errs.NewValidation("command", token, "executable not in allow-list")
	}
	return trimmed, nil
}

// executableAllowed accepts a bare allow-listed name, an absolute path whose
// base name is allow-listed, and versioned names like php8.2 whose dotted
// prefix is allow-listed.
func executableAllowed(token string) bool {
	base := path.Base(token)
	candidates := []string{base}
	if i := strings.IndexByte(base, '.'); i > 0 {
		candidates = append(candidates, base[:i])
	}
	for _, c := range candidates {
		if allowedExecutables[c] {
			return true
		}
		// php8 / mysql80 style version suffixes
		if t := strings.TrimRight(c, "0123456789"); t != c && allowedExecutables[t] {
			return true
		}
	}
	return false
}

var multiSlashRe = regexp.MustCompile(`/{2,}`)

// forbiddenPathPrefixes are never legitimate targets for site remediation.
var forbiddenPathPrefixes = []string{"/dev", "/proc", "/sys"}

var forbiddenPathExact = []string{"/etc/passwd", "/etc/shadow", "/etc/sudoers"}

// ValidatePath sanitises a remote filesystem path. Collapses duplicate
// slashes and rejects traversal and sensitive system locations.
func ValidatePath(p string) (string, error) {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return "", errs.NewValidation("path", p, "empty path")
	}
	if len(trimmed) > maxPathLength {
		return "", errs.NewValidation("path", trimmed[:64], fmt.Sprintf("exceeds %d characters", maxPathLength))
	}
	clean := multiSlashRe.ReplaceAllString(trimmed, "/")
	if strings.Contains(clean, "..") {
		return "", errs.NewValidation("path", clean, "path traversal")
	}
	for _, prefix := range forbiddenPathPrefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return "", errs.NewValidation("path", clean, "forbidden location")
		}
	}
	for _, exact := range forbiddenPathExact {
		if clean == exact || strings.HasSuffix(clean, exact) {
			return "", errs.NewValidation("path", clean, "forbidden file")
		}
	}
	if strings.Contains(clean, "/.ssh/") || strings.HasSuffix(clean, "/.ssh") {
		return "", errs.NewValidation("path", clean, "ssh key material")
	}
	return clean, nil
}

var hostnameLabelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateHostname lowercases and checks RFC 1123 hostname syntax.
func ValidateHostname(h string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(h))
	if lower == "" {
		return "", errs.NewValidation("hostname", h, "empty hostname")
	}
	if len(lower) > 253 {
		return "", errs.NewValidation("hostname", lower[:64], "exceeds 253 characters")
	}
	for _, label := range strings.Split(lower, ".") {
		if !hostnameLabelRe.MatchString(label) {
			return "", errs.NewValidation("hostname", lower, "invalid label "+label)
		}
	}
	return lower, nil
}

// ValidatePort checks the TCP port range.
func ValidatePort(n int) (int, error) {
	if n < 1 || n > 65535 {
		return 0, errs.NewValidation("port", fmt.Sprintf("%d", n), "outside 1..65535")
	}
	return n, nil
}

var usernameRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// ValidateUsername checks POSIX user name syntax, max 32 characters.
func ValidateUsername(u string) (string, error) {
	if !usernameRe.MatchString(u) {
		return "", errs.NewValidation("username", u, "invalid user name")
	}
	return u, nil
}

var (
	templateKeyRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	shellMetaStrip  = regexp.MustCompile("[;&|`$(){}\\[\\]<>\\\\'\"\n\r]")
	templateSlotRe  = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)
)

// SanitizeTemplateParams validates parameter names and strips shell
// metacharacters from values. Values are capped at 256 characters.
func SanitizeTemplateParams(params map[string]interface{}) (map[string]string, error) {
	return sanitizeKV(params, "parameter", maxParamLength)
}

// ValidateEnv is SanitizeTemplateParams with the larger 1024-character cap
// used for environment variables.
func ValidateEnv(env map[string]interface{}) (map[string]string, error) {
	return sanitizeKV(env, "environment variable", maxEnvLength)
}

func sanitizeKV(in map[string]interface{}, kind string, maxLen int) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if !templateKeyRe.MatchString(k) {
			return nil, errs.NewValidation(kind, k, "invalid name")
		}
		val := shellMetaStrip.ReplaceAllString(fmt.Sprint(v), "")
		if len(val) > maxLen {
			val = val[:maxLen]
		}
		out[k] = val
	}
	return out, nil
}

// SafeTemplate substitutes {{name}} slots with sanitised parameter values
// and validates the resulting command. The returned string is safe to hand
// to the executor.
func SafeTemplate(template string, params map[string]interface{}) (string, error) {
	sanitised, err := SanitizeTemplateParams(params)
	if err != nil {
		return "", err
	}
	var missing string
	result := templateSlotRe.ReplaceAllStringFunc(template, func(slot string) string {
		name := templateSlotRe.FindStringSubmatch(slot)[1]
		val, ok := sanitised[name]
		if !ok {
			missing = name
			return slot
		}
		return val
	})
	if missing != "" {
		return "", errs.NewValidation("template", missing, "no value for template slot")
	}
	return ValidateCommand(result)
}
