package playbook

import "strings"

// evidenceContains reports whether any evidence item mentions any of the
// needles, case-insensitively, in its content or description.
func evidenceContains(evidence []Evidence, needles ...string) bool {
	for _, ev := range evidence {
		blob := strings.ToLower(ev.Content + " " + ev.Description)
		for _, n := range needles {
			if strings.Contains(blob, strings.ToLower(n)) {
				return true
			}
		}
	}
	return false
}

// evidenceExtract collects unique regex captures (group 1) across all
// evidence content, preserving first-seen order.
func evidenceExtract(evidence []Evidence, re interface {
	FindAllStringSubmatch(string, int) [][]string
}) []string {
	seen := map[string]bool{}
	var out []string
	for _, ev := range evidence {
		for _, m := range re.FindAllStringSubmatch(ev.Content, -1) {
			if len(m) > 1 && !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}
