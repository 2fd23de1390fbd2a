package scangen

import (
	"fmt"
	"strings"
)

// Emitter renders a rule into scanner source for one target runtime.
type Emitter interface {
	Target() string
	FileExtension() string
	Emit(rule Rule) (string, error)
}

// NewEmitter resolves a configured target name.
func NewEmitter(target string) (Emitter, error) {
	switch target {
	case "", "shell":
		return &ShellEmitter{}, nil
	default:
		return nil, fmt.Errorf("unknown scanner target %q", target)
	}
}

// ShellEmitter renders POSIX sh scanners that read /proc and df directly, so
// the emitted scripts run on any host without an agent. The output contains
// no run-varying text: regenerating from the same rule is byte-identical.
type ShellEmitter struct{}

func (e *ShellEmitter) Target() string        { return "shell" }
func (e *ShellEmitter) FileExtension() string { return ".sh" }

// probeSnippets maps recognised feature families to shell probe bodies. Each
// prints a single numeric reading.
type probe struct {
	fn   string
	body string
	hint string
}

func probeFor(feature string) (probe, bool) {
	lower := strings.ToLower(feature)
	switch {
	case strings.Contains(lower, "cpu"):
		return probe{
			fn: "probe_cpu",
			body: `probe_cpu() {
    read -r _ u1 n1 s1 i1 rest < /proc/stat
    sleep 1
    read -r _ u2 n2 s2 i2 rest < /proc/stat
    busy=$(( (u2 + n2 + s2) - (u1 + n1 + s1) ))
    total=$(( busy + i2 - i1 ))
    [ "$total" -gt 0 ] || total=1
    awk "BEGIN { printf \"%.2f\", 100 * $busy / $total }"
}`,
			hint: "inspect top consumers: ps aux --sort=-%cpu | head",
		}, true
	case strings.Contains(lower, "mem"):
		return probe{
			fn: "probe_memory",
			body: `probe_memory() {
    total=$(awk '/^MemTotal:/ { print $2 }' /proc/meminfo)
    avail=$(awk '/^MemAvailable:/ { print $2 }' /proc/meminfo)
    [ -n "$total" ] && [ "$total" -gt 0 ] || { echo 0; return; }
    awk "BEGIN { printf \"%.2f\", 100 * ($total - $avail) / $total }"
}`,
			hint: "check memory hogs: ps aux --sort=-%mem | head",
		}, true
	case strings.Contains(lower, "disk"):
		return probe{
			fn: "probe_disk",
			body: `probe_disk() {
    df -P / | awk 'NR==2 { gsub(/%/, "", $5); print $5 }'
}`,
			hint: "reclaim space: clean old logs under /var/log or extend the volume",
		}, true
	case strings.Contains(lower, "load"):
		return probe{
			fn: "probe_load",
			body: `probe_load() {
    awk '{ print $1 }' /proc/loadavg
}`,
			hint: "check runnable backlog: uptime and ps -eo stat,comm | grep '^R'",
		}, true
	}
	return probe{}, false
}

// Emit renders the scanner script. Features without a known host probe are
// listed in a header comment and skipped; the remaining conditions still run.
func (e *ShellEmitter) Emit(rule Rule) (string, error) {
	type check struct {
		feature  string
		variable string
		high     float64
		critical float64
		hasHigh  bool
		hasCrit  bool
		hint     string
	}

	probes := make(map[string]probe)
	checks := make(map[string]*check)
	var checkOrder []string
	var unprobed []string

	for _, cond := range rule.Metrics {
		p, ok := probeFor(cond.Feature)
		if !ok {
			unprobed = append(unprobed, cond.Feature)
			continue
		}
		c, exists := checks[cond.Feature]
		if !exists {
			probes[p.fn] = p
			c = &check{feature: cond.Feature, variable: shellVar(cond.Feature), hint: p.hint}
			checks[cond.Feature] = c
			checkOrder = append(checkOrder, cond.Feature)
		}
		if cond.Verdict == VerdictCritical {
			c.critical, c.hasCrit = cond.Threshold, true
		} else {
			c.high, c.hasHigh = cond.Threshold, true
		}
	}

	if len(checkOrder) == 0 && len(rule.Keywords) == 0 {
		return "", ErrEmptyRule
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("# Generated by starops-engine. Do not edit: regeneration overwrites this file.\n")
	fmt.Fprintf(&b, "# pattern: %s\n", rule.PatternID)
	fmt.Fprintf(&b, "# monitors: %s\n", rule.Source)
	fmt.Fprintf(&b, "# rule: %s\n", rule.Summary())
	if len(unprobed) > 0 {
		fmt.Fprintf(&b, "# no host probe for: %s\n", strings.Join(dedupe(unprobed), ", "))
	}
	b.WriteString("\nset -u\n\n")

	// Probe functions in first-use order.
	seen := make(map[string]struct{})
	for _, feature := range checkOrder {
		p, _ := probeFor(feature)
		if _, dup := seen[p.fn]; dup {
			continue
		}
		seen[p.fn] = struct{}{}
		b.WriteString(probes[p.fn].body)
		b.WriteString("\n\n")
	}

	b.WriteString(`verdict="normal"
hint=""
raise() {
    if [ "$1" = "critical" ]; then
        verdict="critical"
    elif [ "$verdict" = "normal" ]; then
        verdict="high"
    fi
    [ -n "$hint" ] || hint="$2"
}

`)

	for _, feature := range checkOrder {
		c := checks[feature]
		p, _ := probeFor(feature)
		fmt.Fprintf(&b, "%s=$(%s)\n", c.variable, p.fn)
		if c.hasCrit {
			fmt.Fprintf(&b, "if awk \"BEGIN { exit !($%s >= %.2f) }\"; then\n", c.variable, c.critical)
			fmt.Fprintf(&b, "    raise critical \"%s: %s\"\n", feature, c.hint)
			if c.hasHigh {
				fmt.Fprintf(&b, "elif awk \"BEGIN { exit !($%s >= %.2f) }\"; then\n", c.variable, c.high)
				fmt.Fprintf(&b, "    raise high \"%s: %s\"\n", feature, c.hint)
			}
			b.WriteString("fi\n\n")
		} else if c.hasHigh {
			fmt.Fprintf(&b, "if awk \"BEGIN { exit !($%s >= %.2f) }\"; then\n", c.variable, c.high)
			fmt.Fprintf(&b, "    raise high \"%s: %s\"\n", feature, c.hint)
			b.WriteString("fi\n\n")
		}
	}

	if len(rule.Keywords) > 0 {
		b.WriteString("log_tail=$(journalctl -n 500 --no-pager 2>/dev/null || tail -n 500 /var/log/syslog 2>/dev/null || true)\n")
		b.WriteString("keyword_hits=0\n")
		for _, kw := range rule.Keywords {
			fmt.Fprintf(&b, "count=$(printf '%%s\\n' \"$log_tail\" | grep -ci -- %s || true)\n", shellQuote(kw.Token))
			fmt.Fprintf(&b, "[ \"$count\" -ge %d ] && keyword_hits=$((keyword_hits + 1))\n", kw.MinCount)
		}
		b.WriteString("\n")
		if rule.RequireBoth {
			b.WriteString(`if [ "$keyword_hits" -eq 0 ]; then
    verdict="normal"
    hint=""
fi

`)
		} else if len(checkOrder) == 0 {
			b.WriteString(`if [ "$keyword_hits" -gt 0 ]; then
    raise high "recent logs match known failure keywords"
fi

`)
		}
	}

	b.WriteString(`if [ "$verdict" = "normal" ]; then
    echo "normal"
else
    echo "$verdict: $hint"
fi
case "$verdict" in
    critical) exit 2 ;;
    high) exit 1 ;;
    *) exit 0 ;;
esac
`)

	return b.String(), nil
}

func shellVar(feature string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(feature) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "f_" + name
	}
	return name
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
