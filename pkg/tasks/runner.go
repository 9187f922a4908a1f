package tasks

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

type runState int

const (
	stateRunning runState = iota + 1
	stateDone
)

type execState struct {
	projectRoot string
	states      map[string]runState
}

// rerouteExec redirects mv, rm and mkdir to this binary's cross-platform
// implementations so task scripts behave the same on every OS.
func rerouteExec(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) > 0 {
			switch args[0] {
			case "mv", "rm", "mkdir":
				if self, err := os.Executable(); err == nil {
					args = append([]string{self}, args...)
				}
			}
		}

		return next(ctx, args)
	}
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func taskEnviron(task *Task) expand.Environ {
	envVars := os.Environ()
	for name, value := range task.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

// resolvePatterns expands glob patterns relative to the given base
// directory. Patterns that match nothing are dropped.
func resolvePatterns(base, projectRoot string, patterns []string) ([]string, error) {
	result := []string{}
	cfg := expand.Config{
		ReadDir2: os.ReadDir,
		GlobStar: true,
	}

	parser := syntax.NewParser()
	for _, item := range patterns {
		item = resolveScriptPath(base, projectRoot, item)
		item = filepath.ToSlash(item)

		words := make([]*syntax.Word, 0)
		err := parser.Words(strings.NewReader(item), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse pattern %s", item)
		}

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			// an unmatched pattern is returned verbatim, skip those
			if !strings.Contains(match, "*") {
				result = append(result, match)
			}
		}
	}
	return result, nil
}

// Run executes the named task, running its dependencies first. Each task
// runs at most once per invocation and the first failing command aborts
// with its error.
func Run(ctx context.Context, projectRoot, name string, tasks TaskList, dryRun, force bool) error {
	task, found := tasks[name]
	if !found {
		return eris.Errorf("task %s not found", name)
	}

	state := &execState{
		projectRoot: projectRoot,
		states:      make(map[string]runState),
	}

	return runTask(ctx, state, task, tasks, dryRun, force, true)
}

func runTask(ctx context.Context, state *execState, task *Task, tasks TaskList, dryRun, force, canSkip bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch state.states[task.Short] {
	case stateDone:
		log(ctx).Debug().Msgf("task %s already run", task.Short)
		return nil
	case stateRunning:
		return eris.Errorf("task %s depends on itself (dependency cycle)", task.Short)
	}

	state.states[task.Short] = stateRunning

	for _, dep := range task.Deps {
		if state.states[dep] == stateDone {
			continue
		}

		depTask, ok := tasks[dep]
		if !ok {
			return eris.Errorf("task %s not found", dep)
		}

		err := runTask(ctx, state, depTask, tasks, dryRun, false, true)
		if err != nil {
			return eris.Wrapf(err, "task %s failed due to its dependency %s", task.Short, dep)
		}
	}

	if canSkip && !force {
		skip, err := shouldSkip(ctx, state, task)
		if err != nil {
			return err
		}

		if skip {
			state.states[task.Short] = stateDone
			return nil
		}
	}

	if !force {
		upToDate, err := outputsFresh(ctx, state, task)
		if err != nil {
			return err
		}

		if upToDate {
			state.states[task.Short] = stateDone
			return nil
		}
	}

	runner, err := interp.New(
		interp.Dir(task.Base),
		interp.Env(taskEnviron(task)),
		interp.ExecHandlers(rerouteExec),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, os.Stdout, os.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	buffer := strings.Builder{}

	for _, item := range task.Cmds {
		stmts, err := item.Stmts(parser)
		if err != nil {
			return eris.Wrap(err, "failed to parse shell script")
		}

		if stmts == nil {
			subTask := item.AsTask()
			if subTask == nil {
				return eris.Errorf("unexpected task command %+v", item)
			}

			err = runTask(ctx, state, subTask, tasks, dryRun, force, true)
			if err != nil {
				return err
			}
		} else {
			for _, stmt := range stmts {
				buffer.Reset()
				printer.Print(&buffer, stmt)
				log(ctx).Info().
					Str("task", task.Short).
					Bool("command", true).
					Msg(buffer.String())

				if dryRun {
					continue
				}

				err = runner.Run(ctx, stmt)
				if err != nil {
					return err
				}

				if runner.Exited() {
					return nil
				}
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	state.states[task.Short] = stateDone
	return nil
}

// shouldSkip reports whether every skip_if_exists entry matched an existing
// file.
func shouldSkip(ctx context.Context, state *execState, task *Task) (bool, error) {
	if len(task.SkipIfExists) == 0 {
		return false, nil
	}

	skipList, err := resolvePatterns(task.Base, state.projectRoot, task.SkipIfExists)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve skip_if_exists list")
	}

	found := 0
	for _, item := range skipList {
		_, err := os.Stat(item)
		if err == nil {
			found++
		} else if !eris.Is(err, os.ErrNotExist) {
			return false, eris.Wrapf(err, "failed to check %s", item)
		}
	}

	if found > 0 && found == len(skipList) {
		log(ctx).Info().
			Str("task", task.Short).
			Msg("skipped because all skip files exist")
		return true, nil
	}

	return false, nil
}

// outputsFresh reports whether the newest declared output is newer than the
// newest declared input, in which case there is nothing to do.
func outputsFresh(ctx context.Context, state *execState, task *Task) (bool, error) {
	inputList, err := resolvePatterns(task.Base, state.projectRoot, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := resolvePatterns(task.Base, state.projectRoot, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve outputs")
	}

	var newestInput time.Time
	for _, item := range inputList {
		fi, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "failed to check input %s", item)
		}

		if fi.ModTime().After(newestInput) {
			newestInput = fi.ModTime()
		}
	}

	if newestInput.IsZero() {
		return false, nil
	}

	var newestOutput time.Time
	oldestOutput := time.Now()
	for _, item := range outputList {
		fi, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, eris.Wrapf(err, "failed to check output %s", item)
		}

		mt := fi.ModTime()
		if mt.After(newestOutput) {
			newestOutput = mt
		}
		if mt.Before(oldestOutput) {
			oldestOutput = mt
		}
	}

	if newestOutput.Sub(oldestOutput) > 10*time.Minute {
		log(ctx).Warn().
			Str("task", task.Short).
			Msgf("oldest output is %.1f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
	}

	if newestOutput.After(newestInput) {
		log(ctx).Info().
			Str("task", task.Short).
			Msgf("nothing to do (output is %.1f seconds newer)", newestOutput.Sub(newestInput).Seconds())
		return true, nil
	}

	return false, nil
}
