package tasks

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinPlatformConstants(t *testing.T) {
	dir := t.TempDir()
	taskList := loadScript(t, dir, `
def configure():
    task("dist", desc=OS + "/" + ARCH, cmds=[])
`)

	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, taskList["dist"].Desc)
}

func TestBuiltinSetenvGetenv(t *testing.T) {
	dir := t.TempDir()
	taskList := loadScript(t, dir, `
def configure():
    setenv("DEPLOY_REGION", "eu-west-1")
    task("deploy", desc=getenv("DEPLOY_REGION"), cmds=[])
`)

	deploy := taskList["deploy"]
	assert.Equal(t, "eu-west-1", deploy.Desc)
	assert.Equal(t, "eu-west-1", deploy.Env["DEPLOY_REGION"])
}

func TestBuiltinPrependPath(t *testing.T) {
	dir := t.TempDir()
	taskList := loadScript(t, dir, `
def configure():
    prepend_path("tools/bin")
    task("dist", desc="dist", cmds=[])
`)

	path := taskList["dist"].Env["PATH"]
	expected := filepath.Join(dir, "tools", "bin") + string(os.PathListSeparator)
	assert.True(t, len(path) > len(expected))
	assert.Equal(t, expected, path[:len(expected)])
}

func TestBuiltinIsfileIsdir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "VERSION"), []byte("1.0"), 0660))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "src"), 0770))

	taskList := loadScript(t, dir, `
def configure():
    checks = [
        isfile("VERSION"),
        isfile("src"),
        isdir("src"),
        isdir("VERSION"),
    ]
    task("dist", desc=" ".join([str(c) for c in checks]), cmds=[])
`)

	assert.Equal(t, "True False True False", taskList["dist"].Desc)
}

func TestBuiltinResolvePathInCommands(t *testing.T) {
	dir := t.TempDir()
	taskList := loadScript(t, dir, `
def configure():
    out = resolve_path("//build", "out")
    task("dist", desc="dist", cmds=[("cp", out)])
`)

	cmd := taskList["dist"].Cmds[0].(ShellCmd)
	assert.Equal(t, "cp build/out", cmd.Text)
}

func TestBuiltinExecuteCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	taskList := loadScript(t, dir, `
def configure():
    version = execute("echo 1.4.0")
    task("dist", desc=version.strip(), cmds=[])
`)

	assert.Equal(t, "1.4.0", taskList["dist"].Desc)
}

func TestBuiltinExecuteJSON(t *testing.T) {
	dir := t.TempDir()
	taskList := loadScript(t, dir, `
def configure():
    meta = execute("""echo '{"version": "2.1", "count": 3}'""", format="json")
    task("dist", desc=meta["version"] + "/" + str(int(meta["count"])), cmds=[])
`)

	assert.Equal(t, "2.1/3", taskList["dist"].Desc)
}

func TestBuiltinExecuteFailureYieldsFalse(t *testing.T) {
	dir := t.TempDir()
	taskList := loadScript(t, dir, `
def configure():
    result = execute("exit 1")
    task("dist", desc="failed" if not result else "ok", cmds=[])
`)

	assert.Equal(t, "failed", taskList["dist"].Desc)
}

func TestBuiltinErrorAbortsScript(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `
def configure():
    error("unsupported platform")
`)

	_, _, err := Load(testContext(), script, dir, LoadParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported platform")
}
