package tasks

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

// Command is a single entry in a task's cmds list. Exactly one of the two
// accessors yields a usable result: AsTask for task references, Stmts for
// shell snippets.
type Command interface {
	AsTask() *Task
	Stmts(parser *syntax.Parser) ([]*syntax.Stmt, error)
}

// ShellCmd is a shell snippet that runs inside the embedded interpreter.
type ShellCmd struct {
	TaskName string
	Text     string
	Seq      int
}

// AsTask always returns nil for shell snippets.
func (c ShellCmd) AsTask() *Task { return nil }

// Stmts parses the snippet and returns the contained shell statements.
func (c ShellCmd) Stmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	result, err := parser.Parse(strings.NewReader(c.Text), fmt.Sprintf("%s:%d", c.TaskName, c.Seq))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %q", c.Text)
	}

	return result.Stmts, nil
}

// TaskRef runs another task in place of a shell command.
type TaskRef struct {
	Task *Task
}

func (r TaskRef) AsTask() *Task { return r.Task }

func (r TaskRef) Stmts(*syntax.Parser) ([]*syntax.Stmt, error) { return nil, nil }

// Task holds the processed values a task script passed to task()
type Task struct {
	Env          map[string]string
	Short        string
	Desc         string
	Base         string
	Deps         []string
	SkipIfExists []string
	Inputs       []string
	Outputs      []string
	Cmds         []Command
	Hidden       bool
}

// TaskList maps short names to the declared tasks
type TaskList map[string]*Task

// ScriptOption is an option() declaration from a task script.
type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

// Default returns the declared default as a plain string.
func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Task so task() results can be stored in
// variables and embedded in other tasks' cmds lists.

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since tasks aren't hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// Path is a filesystem path produced by resolve_path(). It behaves like a
// string inside the script but command processing treats it specially to
// keep paths portable.
type Path string

func (p Path) String() string {
	return starlark.String(p).String()
}

func (p Path) Type() string {
	return "path"
}

func (p Path) Freeze() {}

func (p Path) Truth() starlark.Bool {
	return p != ""
}

func (p Path) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p Path) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(Path)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p Path) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p Path) Len() int {
	return len(p)
}

func (p Path) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
