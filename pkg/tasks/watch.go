package tasks

import (
	"path/filepath"
	"sort"
	"strings"
)

// WatchDirs returns the directories that cover a task's declared inputs,
// suitable for a filesystem watcher. Glob patterns contribute their longest
// literal prefix; a task without inputs is watched at its base directory.
func WatchDirs(projectRoot string, task *Task) []string {
	dirs := make(map[string]bool)

	if len(task.Inputs) == 0 {
		dirs[task.Base] = true
	}

	for _, pattern := range task.Inputs {
		full := resolveScriptPath(task.Base, projectRoot, pattern)

		parts := strings.Split(full, string(filepath.Separator))
		literal := make([]string, 0, len(parts))
		for _, part := range parts {
			if strings.ContainsAny(part, "*?[") {
				break
			}
			literal = append(literal, part)
		}

		dir := strings.Join(literal, string(filepath.Separator))
		if dir == "" {
			dir = task.Base
		} else if len(literal) == len(parts) {
			// a literal path names a file, watch its directory
			dir = filepath.Dir(dir)
		}

		dirs[dir] = true
	}

	result := make([]string, 0, len(dirs))
	for dir := range dirs {
		result = append(result, dir)
	}
	sort.Strings(result)
	return result
}
