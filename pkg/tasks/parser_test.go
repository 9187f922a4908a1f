package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	logger := zerolog.Nop()
	return WithLogger(context.Background(), &logger)
}

func writeScript(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "tasks.star")
	require.NoError(t, os.WriteFile(path, []byte(content), 0660))
	return path
}

func TestLoadCollectsTasksAndOptions(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
out = option("out", default="dist", help="output directory")

def configure():
    clean = task("clean",
        desc="Remove build output",
        cmds=["rm -rf " + out],
    )
    task("dist",
        desc="Build the distribution archives",
        deps=["clean"],
        cmds=[("python", "-m", "build", "--outdir", out)],
    )
`)

	taskList, options, err := Load(testContext(), script, dir, LoadParams{})
	require.NoError(t, err)

	require.Len(t, taskList, 2)
	require.Contains(t, taskList, "clean")
	require.Contains(t, taskList, "dist")

	assert.Equal(t, []string{"clean"}, taskList["dist"].Deps)
	assert.Equal(t, "Build the distribution archives", taskList["dist"].Desc)
	assert.Equal(t, dir, taskList["dist"].Base)

	require.Len(t, options, 1)
	assert.Equal(t, "dist", options["out"].Default())
	assert.Equal(t, "output directory", options["out"].Help)

	cmd := taskList["clean"].Cmds[0].(ShellCmd)
	assert.Equal(t, "rm -rf dist", cmd.Text)
}

func TestLoadAppliesOptionOverrides(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
out = option("out", default="dist")

def configure():
    task("dist", desc="build", cmds=["mkdir -p " + out])
`)

	taskList, _, err := Load(testContext(), script, dir, LoadParams{
		Options: map[string]string{"out": "build"},
	})
	require.NoError(t, err)

	cmd := taskList["dist"].Cmds[0].(ShellCmd)
	assert.Equal(t, "mkdir -p build", cmd.Text)
}

func TestLoadQuotesTupleArguments(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
def configure():
    task("greet", desc="greet", cmds=[("echo", "hello world")])
`)

	taskList, _, err := Load(testContext(), script, dir, LoadParams{})
	require.NoError(t, err)

	cmd := taskList["greet"].Cmds[0].(ShellCmd)
	assert.Equal(t, "echo 'hello world'", cmd.Text)
}

func TestLoadEnvFileExportsToTasks(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "deploy.env")
	require.NoError(t, os.WriteFile(envFile, []byte("INDEX_TOKEN=hunter2\nREGION=eu-west-1\n"), 0660))

	script := writeScript(t, dir, `
def configure():
    load_env("deploy.env")
    task("deploy",
        desc="upload",
        env={"REGION": "us-east-1"},
        cmds=["twine upload dist/*"],
    )
`)

	taskList, _, err := Load(testContext(), script, dir, LoadParams{})
	require.NoError(t, err)

	deploy := taskList["deploy"]
	assert.Equal(t, "hunter2", deploy.Env["INDEX_TOKEN"])
	// the task's own env wins over loaded overrides
	assert.Equal(t, "us-east-1", deploy.Env["REGION"])
}

func TestLoadEnvMissingFile(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
def configure():
    load_env("missing.env")
`)

	_, _, err := Load(testContext(), script, dir, LoadParams{})
	require.Error(t, err)

	script = writeScript(t, dir, `
def configure():
    load_env("missing.env", optional=True)
    task("noop", desc="noop", cmds=[])
`)

	_, _, err = Load(testContext(), script, dir, LoadParams{})
	require.NoError(t, err)
}

func TestLoadDuplicateTaskNameLastWins(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
def configure():
    task("dist", desc="first registration", cmds=["echo one"])
    task("dist", desc="second registration", cmds=["echo two"])
`)

	taskList, _, err := Load(testContext(), script, dir, LoadParams{})
	require.NoError(t, err)

	require.Len(t, taskList, 1)
	assert.Equal(t, "second registration", taskList["dist"].Desc)
}

func TestLoadEnvAfterTaskDeclaration(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "deploy.env")
	require.NoError(t, os.WriteFile(envFile, []byte("INDEX_TOKEN=hunter2\n"), 0660))

	script := writeScript(t, dir, `
def configure():
    task("deploy", desc="upload", cmds=["twine upload dist/*"])
    load_env("deploy.env")
`)

	taskList, _, err := Load(testContext(), script, dir, LoadParams{})
	require.NoError(t, err)

	// overrides loaded after the declaration still reach the task
	assert.Equal(t, "hunter2", taskList["deploy"].Env["INDEX_TOKEN"])
}

func TestLoadParamsEnvSeedsOverrides(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
def configure():
    task("deploy", desc="upload", cmds=["fury push dist/*"])
`)

	taskList, _, err := Load(testContext(), script, dir, LoadParams{
		Env: map[string]string{"FURY_TOKEN": "abc"},
	})
	require.NoError(t, err)

	assert.Equal(t, "abc", taskList["deploy"].Env["FURY_TOKEN"])
}

func TestLoadRejectsReservedTaskName(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
def configure():
    task("configure", desc="nope", cmds=[])
`)

	_, _, err := Load(testContext(), script, dir, LoadParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestLoadRequiresConfigure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `x = 1`)

	_, _, err := Load(testContext(), script, dir, LoadParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configure")
}

func TestLoadRejectsOptionAfterInit(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
def configure():
    option("late", default="x")
`)

	_, _, err := Load(testContext(), script, dir, LoadParams{})
	require.Error(t, err)
}

func TestLoadHidesUnnamedTasks(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
def configure():
    sub = task(desc="helper", cmds=["echo sub"])
    task("main", desc="main", cmds=[sub, "echo main"])
`)

	taskList, _, err := Load(testContext(), script, dir, LoadParams{})
	require.NoError(t, err)

	require.Len(t, taskList, 1)
	require.Contains(t, taskList, "main")

	ref, ok := taskList["main"].Cmds[0].(TaskRef)
	require.True(t, ok)
	assert.True(t, ref.Task.Hidden)
}

func TestReadYamlLookup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yml"), []byte(`
name: sample
release:
  version: "1.4.0"
  targets:
    - pypi
    - fury
`), 0660))

	script := writeScript(t, dir, `
version = read_yaml("project.yml", "release.version", "0.0.0")
first_target = read_yaml("project.yml", "release.targets.0", "none")
missing = read_yaml("project.yml", "release.codename", "unset")

def configure():
    task("dist", desc=version + " " + first_target + " " + missing, cmds=[])
`)

	taskList, _, err := Load(testContext(), script, dir, LoadParams{})
	require.NoError(t, err)
	assert.Equal(t, "1.4.0 pypi unset", taskList["dist"].Desc)
}

func TestProjectRootPaths(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "plugins")
	require.NoError(t, os.Mkdir(sub, 0770))

	script := filepath.Join(sub, "tasks.star")
	require.NoError(t, os.WriteFile(script, []byte(`
def configure():
    task("bundle", desc="bundle", base="//build", cmds=[])
`), 0660))

	taskList, _, err := Load(testContext(), script, root, LoadParams{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "build"), taskList["bundle"].Base)
}
