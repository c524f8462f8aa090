package buildscript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mvdan.cc/sh/v3/interp"

	"github.com/kilnbuild/kiln/pkg/platform"
)

func evalScript(t *testing.T, dir, script string) TaskList {
	t.Helper()

	tasks, _, err := Evaluate(testContext(), Config{
		Script:      script,
		ProjectRoot: dir,
		Target:      platform.Host(),
		OutDir:      filepath.Join(dir, "build"),
		Configure:   true,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	return tasks
}

func TestRunTaskOrdersDependencies(t *testing.T) {
	t.Parallel()

	dir, script := writeScript(t, `
def configure():
    task("first", cmds=["echo first >> log.txt"])
    task("second", deps=["first"], cmds=["echo second >> log.txt"])
`)
	tasks := evalScript(t, dir, script)

	err := RunTask(testContext(), dir, "second", tasks, RunOptions{})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	if err != nil {
		t.Fatalf("expected log.txt to be written: %v", err)
	}
	if got := strings.Fields(string(data)); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("expected dependency to run before the task, got %q", string(data))
	}
}

func TestRunTaskStopsOnFailure(t *testing.T) {
	t.Parallel()

	dir, script := writeScript(t, `
def configure():
    task("boom", cmds=["false", "echo after >> log.txt"])
`)
	tasks := evalScript(t, dir, script)

	err := RunTask(testContext(), dir, "boom", tasks, RunOptions{})
	if err == nil {
		t.Fatal("expected the failing command to abort the task")
	}

	if status, ok := interp.IsExitStatus(err); !ok || status != 1 {
		t.Fatalf("expected exit status 1, got: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "log.txt")); err == nil {
		t.Fatal("expected no commands to run after the failure")
	}
}

func TestRunTaskSkipIfExists(t *testing.T) {
	t.Parallel()

	dir, script := writeScript(t, `
def configure():
    task("gen", skip_if_exists=["marker.txt"], cmds=["echo ran >> log.txt"])
`)
	tasks := evalScript(t, dir, script)

	err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o600)
	if err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}

	err = RunTask(testContext(), dir, "gen", tasks, RunOptions{})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "log.txt")); err == nil {
		t.Fatal("expected the task to be skipped while the marker exists")
	}

	err = RunTask(testContext(), dir, "gen", tasks, RunOptions{Force: true})
	if err != nil {
		t.Fatalf("forced RunTask failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "log.txt")); err != nil {
		t.Fatal("expected force to override the skip check")
	}
}

func TestRunTaskDryRun(t *testing.T) {
	t.Parallel()

	dir, script := writeScript(t, `
def configure():
    task("gen", cmds=["echo ran >> log.txt"])
`)
	tasks := evalScript(t, dir, script)

	err := RunTask(testContext(), dir, "gen", tasks, RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "log.txt")); err == nil {
		t.Fatal("expected a dry run to not execute anything")
	}
}

func TestRunTaskEnvOverrides(t *testing.T) {
	t.Parallel()

	dir, script := writeScript(t, `
def configure():
    setenv("KILN_TEST_VALUE", "hello")
    task("show", cmds=["echo $KILN_TEST_VALUE >> log.txt"])
`)
	tasks := evalScript(t, dir, script)

	err := RunTask(testContext(), dir, "show", tasks, RunOptions{})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	if err != nil {
		t.Fatalf("expected log.txt to be written: %v", err)
	}
	if strings.TrimSpace(string(data)) != "hello" {
		t.Fatalf("expected the setenv value to reach the command, got %q", string(data))
	}
}

func TestRunTaskDetectsCycles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tasks := TaskList{
		"a": {Short: "a", Base: dir, Deps: []string{"b"}},
		"b": {Short: "b", Base: dir, Deps: []string{"a"}},
	}

	err := RunTask(testContext(), dir, "a", tasks, RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "recursively") {
		t.Fatalf("expected a recursion error, got: %v", err)
	}
}

func TestRunTaskUnknownTask(t *testing.T) {
	t.Parallel()

	err := RunTask(testContext(), t.TempDir(), "nope", TaskList{}, RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected a not found error, got: %v", err)
	}
}

func TestUnderAnyRoot(t *testing.T) {
	t.Parallel()

	env := filepath.Join(string(filepath.Separator), "cache", "linux_arm64")
	cases := []struct {
		path string
		want bool
	}{
		{filepath.Join(env, "bin", "gcc"), true},
		{env, true},
		{filepath.Join(string(filepath.Separator), "usr", "bin", "gcc"), false},
		{env + "x", false},
	}

	for _, tc := range cases {
		if got := underAnyRoot(tc.path, []string{env}); got != tc.want {
			t.Errorf("underAnyRoot(%s) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestTaskGraphCacheRoundtrip(t *testing.T) {
	t.Parallel()

	dir, script := writeScript(t, `
def configure():
    task("build", desc="compile", cmds=["true"])
`)
	tasks := evalScript(t, dir, script)

	cacheFile := filepath.Join(t.TempDir(), "graph.cache")
	options := map[string]string{"mode": "debug"}
	err := WriteCache(cacheFile, options, tasks)
	if err != nil {
		t.Fatalf("WriteCache failed: %v", err)
	}

	gotOptions, gotTasks, err := ReadCache(cacheFile)
	if err != nil {
		t.Fatalf("ReadCache failed: %v", err)
	}
	if gotOptions["mode"] != "debug" {
		t.Errorf("expected the cached options to survive, got %v", gotOptions)
	}
	if got, ok := gotTasks["build"]; !ok || got.Desc != "compile" {
		t.Errorf("expected the cached task list to survive, got %v", gotTasks)
	}
}
