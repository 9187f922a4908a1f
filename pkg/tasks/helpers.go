package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// resolveScriptPath resolves path segments the way task scripts expect:
// a "//" prefix anchors at the project root, "/" at the volume root and
// everything else is relative to the previous segment, starting at the
// script's directory.
func resolveScriptPath(scriptDir, projectRoot string, segments ...string) string {
	result := scriptDir

	for _, path := range segments {
		switch {
		case strings.HasPrefix(path, "//"):
			result = filepath.Join(projectRoot, path[2:])
		case strings.HasPrefix(path, "/"):
			result = filepath.Join(filepath.VolumeName(result), path)
		case !filepath.IsAbs(path):
			result = filepath.Join(result, path)
		default:
			result = path
		}
	}

	return filepath.Clean(result)
}

// displayPath shortens absolute paths inside the project to the //-form used
// in task scripts.
func displayPath(projectRoot, path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	prefix := projectRoot + string(filepath.Separator)
	if strings.HasPrefix(absPath, prefix) {
		return "//" + absPath[len(prefix):]
	}
	return path
}

// mergedEnviron combines the process environment with the script's env
// overrides. Overridden keys replace their inherited counterparts.
func mergedEnviron(overrides map[string]string) []string {
	osEnv := os.Environ()
	result := make([]string, 0, len(osEnv)+len(overrides))
	for _, item := range osEnv {
		name, _, _ := strings.Cut(item, "=")
		if runtime.GOOS == "windows" {
			name = strings.ToUpper(name)
		}

		if _, present := overrides[name]; !present {
			result = append(result, item)
		}
	}

	for name, value := range overrides {
		result = append(result, fmt.Sprintf("%s=%s", name, value))
	}

	return result
}

type stringIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

// stringsFromIterable converts a starlark list (or any iterable) of strings
// into a plain string slice. A typed nil list yields an empty slice.
func stringsFromIterable(input stringIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		value, ok := item.(starlark.String)
		if !ok {
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}

		result = append(result, value.GoString())
	}
	return result, nil
}

// goToStarlark converts decoded JSON / YAML values into starlark values.
func goToStarlark(value any) (starlark.Value, error) {
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case bool:
		return starlark.Bool(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case int64:
		return starlark.MakeInt64(value), nil
	case float32:
		return starlark.Float(value), nil
	case float64:
		return starlark.Float(value), nil
	case []any:
		tuple := make(starlark.Tuple, len(value))
		for idx, item := range value {
			converted, err := goToStarlark(item)
			if err != nil {
				return nil, err
			}
			tuple[idx] = converted
		}

		return tuple, nil
	case map[string]any:
		dict := starlark.NewDict(len(value))
		for key, item := range value {
			converted, err := goToStarlark(item)
			if err != nil {
				return nil, err
			}

			err = dict.SetKey(starlark.String(key), converted)
			if err != nil {
				return nil, err
			}
		}

		return dict, nil
	}

	return nil, eris.Errorf("encountered unsupported type %T", value)
}
