package runner

import (
	"os"
	"sort"
	"strings"
)

// BuildEnv returns the current process environment with vars overlaid.
// The result is sorted so that identical inputs yield identical slices.
func BuildEnv(vars map[string]string) []string {
	envMap := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			envMap[k] = v
		}
	}

	for k, v := range vars {
		envMap[k] = v
	}

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}
