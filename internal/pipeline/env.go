package pipeline

import (
	"sort"
	"strings"

	"mongars-factory/internal/config"
)

// MergeEnv layers environment mappings over an inherited process environment.
// Later layers replace earlier keys, so callers pass layers in increasing
// precedence order (global, stage, task). The build-profile marker is injected
// only when absent after layering, so an explicit override always wins. The
// result is sorted for deterministic child environments.
func MergeEnv(inherited []string, profile string, layers ...map[string]string) []string {
	merged := make(map[string]string, len(inherited))
	for _, kv := range inherited {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	if profile != "" {
		if _, ok := merged[config.EnvModelProfile]; !ok {
			merged[config.EnvModelProfile] = profile
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// BuildArgs renders an argument mapping as long-form CLI flags in declaration
// order, one flag token followed by one value token per key. Underscores in
// keys become hyphens: {"output_dir": "./data"} renders as
// ["--output-dir", "./data"]. Keys missing from order are appended sorted so
// every argument is always rendered.
func BuildArgs(args map[string]string, order []string) []string {
	keys := make([]string, 0, len(args))
	seen := make(map[string]bool, len(args))
	for _, k := range order {
		if _, ok := args[k]; ok && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	var rest []string
	for k := range args {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	cli := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		cli = append(cli, "--"+strings.ReplaceAll(k, "_", "-"), args[k])
	}
	return cli
}
