package tasks

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

// scriptCtx carries the state of a single task script execution. It is
// stored as a thread-local so the builtins can reach it.
type scriptCtx struct {
	ctx          context.Context
	filename     string
	projectRoot  string
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]any
	tasks        []*Task
	initPhase    bool
}

func (c *scriptCtx) scriptDir() string {
	return filepath.Dir(c.filename)
}

func getCtx(thread *starlark.Thread) *scriptCtx {
	return thread.Local("scriptCtx").(*scriptCtx)
}

// LoadParams bundles the caller-provided inputs for Load.
type LoadParams struct {
	// Options overrides option() defaults, keyed by option name.
	Options map[string]string
	// Env seeds the script's env overrides, usually from --env-file.
	Env map[string]string
}

// Load executes the given task script and calls its configure function.
// It returns the declared tasks and options.
func Load(ctx context.Context, filename, projectRoot string, params LoadParams) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	sctx := scriptCtx{
		ctx:          ctx,
		filename:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: params.Options,
		envOverrides: make(map[string]string),
		yamlCache:    make(map[string]any),
		tasks:        make([]*Task, 0),
		initPhase:    true,
	}
	for name, value := range params.Env {
		sctx.envOverrides[name] = value
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	thread.SetLocal("scriptCtx", &sctx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read %s", filename)
	}

	scriptName := displayPath(projectRoot, filename)
	globals, err := starlark.ExecFile(thread, scriptName, script, builtins())
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.Errorf("failed to execute %s:\n%s", scriptName, evalError.Backtrace())
		}
		return nil, nil, eris.Wrapf(err, "failed to execute %s", scriptName)
	}

	configure, ok := globals["configure"]
	if !ok {
		return nil, nil, eris.Errorf("%s did not declare a configure function", scriptName)
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		return nil, nil, eris.Errorf("%s declared a configure value but it's not a function", scriptName)
	}

	sctx.initPhase = false
	_, err = starlark.Call(thread, configureFunc, nil, nil)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.New(evalError.Backtrace())
		}
		return nil, nil, eris.Wrapf(err, "failed configure call in %s", scriptName)
	}

	tasks := TaskList{}
	for _, task := range sctx.tasks {
		tasks[task.Short] = task

		// env overrides apply to every task unless it sets the same key
		for name, value := range sctx.envOverrides {
			if _, present := task.Env[name]; !present {
				task.Env[name] = value
			}
		}
	}

	return tasks, sctx.options, nil
}

func declareOption(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	sctx := getCtx(thread)
	if !sctx.initPhase {
		return nil, eris.New("option can only be called during the init phase (in the global scope)")
	}

	sctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	if value, ok := sctx.optionValues[name]; ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func declareTask(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short?", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists,
		"inputs?", &inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if task.Short == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	sctx := getCtx(thread)
	if task.Base == "" {
		task.Base = "."
	}
	task.Base = resolveScriptPath(sctx.scriptDir(), sctx.projectRoot, task.Base)

	task.Deps, err = stringsFromIterable(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.SkipIfExists, err = stringsFromIterable(skipIfExists, "skip_if_exists")
	if err != nil {
		return nil, err
	}

	task.Inputs, err = stringsFromIterable(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	task.Outputs, err = stringsFromIterable(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	task.Env = map[string]string{}
	if env != nil {
		for _, rawKey := range env.Keys() {
			key, ok := rawKey.(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key of type %s in env map but only strings are supported", rawKey.Type())
			}

			rawValue, _, err := env.Get(rawKey)
			if err != nil {
				return nil, err
			}

			value, ok := rawValue.(starlark.String)
			if !ok {
				return nil, eris.Errorf("found value of type %s for env key %s but only strings are supported", rawValue.Type(), key.GoString())
			}

			task.Env[key.GoString()] = value.GoString()
		}
	}

	if cmds != nil {
		task.Cmds, err = collectCommands(task, cmds)
		if err != nil {
			return nil, err
		}
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		warn(thread, "%s: found inputs but no outputs", task.Short)
	}

	if !task.Hidden {
		sctx.tasks = append(sctx.tasks, task)
	}
	return task, nil
}

func collectCommands(task *Task, cmds *starlark.List) ([]Command, error) {
	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	buffer := strings.Builder{}

	result := make([]Command, 0, cmds.Len())
	iter := cmds.Iterate()
	defer iter.Done()

	var item starlark.Value
	seq := 0
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, ShellCmd{TaskName: task.Short, Text: value.GoString(), Seq: seq})
		case starlark.Tuple:
			cmd, err := buildShellCall(value, parser, task.Base)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", seq)
			}

			buffer.Reset()
			err = printer.Print(&buffer, cmd)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", seq)
			}

			result = append(result, ShellCmd{TaskName: task.Short, Text: buffer.String(), Seq: seq})
		case *starlark.List:
			parts := make(starlark.Tuple, 0, value.Len())
			subIter := value.Iterate()
			var subItem starlark.Value
			for subIter.Next(&subItem) {
				parts = append(parts, subItem)
			}
			subIter.Done()

			cmd, err := buildShellCall(parts, parser, task.Base)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", seq)
			}

			buffer.Reset()
			err = printer.Print(&buffer, cmd)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process command #%d", seq)
			}

			result = append(result, ShellCmd{TaskName: task.Short, Text: buffer.String(), Seq: seq})
		case *Task:
			result = append(result, TaskRef{Task: value})
		default:
			return nil, eris.Errorf("unexpected type %s in cmds, only strings, tuples, lists and tasks are valid", item.Type())
		}

		seq++
	}

	return result, nil
}

// buildShellCall converts a tuple command of the form
// ("VAR=value", "cmd", "arg", ...) into a shell call expression. Leading
// parts containing "=" become env var assignments for the call.
func buildShellCall(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}
		envVars = append(envVars, value.GoString())
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joined := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joined), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joined)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joined)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joined)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	cmd.Args = make([]*syntax.Word, len(parts)-len(envVars))
	for idx, arg := range parts[len(envVars):] {
		var encoded string

		switch value := arg.(type) {
		case starlark.String:
			encoded = value.GoString()
		case Path:
			encoded = string(value)

			if filepath.IsAbs(encoded) {
				// absolute paths cause issues on Windows
				if relValue, err := filepath.Rel(base, encoded); err == nil {
					encoded = relValue
				}
			}

			encoded = filepath.ToSlash(encoded)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart
		if strings.ContainsAny(encoded, " $'") {
			wordPart = &syntax.SglQuoted{Value: encoded}
		} else {
			wordPart = &syntax.Lit{Value: encoded}
		}

		cmd.Args[idx] = &syntax.Word{Parts: []syntax.WordPart{wordPart}}
	}

	return cmd, nil
}
