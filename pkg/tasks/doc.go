// Package tasks implements the release task engine. Tasks are declared in a
// Starlark script and their commands run through an embedded POSIX shell,
// which keeps task files portable across platforms. A failing command aborts
// the task, dependencies always run first and environment files can be
// loaded once and exported to every tool invocation.
package tasks
