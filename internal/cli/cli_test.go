package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// resetFlags restores every flag in the tree so package-level commands can
// be executed repeatedly within one test binary.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the root command against a per-test data directory.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func testDir(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("COGMEM_VECTOR_DIMENSIONS", "64")
	return t.TempDir()
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	if err != nil {
		t.Fatalf("cogmem %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestVersionCommand(t *testing.T) {
	out := mustRun(t, testDir(t), "version")
	if !strings.HasPrefix(out, "cogmem dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestAddSearchDelete(t *testing.T) {
	dir := testDir(t)
	id := strings.TrimSpace(mustRun(t, dir, "add", "--title", "SQLite", "--text", "sqlite wal mode concurrent readers", "--category", "storage"))
	mustRun(t, dir, "add", "--title", "Python", "--text", "python tensorflow models", "--category", "lang")
	if len(id) != 64 {
		t.Fatalf("add printed %q, want a content hash", id)
	}

	var results []struct {
		ID            string  `json:"id"`
		CombinedScore float64 `json:"combinedScore"`
	}
	out := mustRun(t, dir, "search", "--json", "-k", "1", "sqlite", "readers")
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode search output %q: %v", out, err)
	}
	if len(results) != 1 || results[0].ID != id {
		t.Errorf("search = %+v, want %s first", results, id)
	}

	out = mustRun(t, dir, "search", "--category", "lang", "sqlite")
	if strings.Contains(out, "SQLite") {
		t.Errorf("category filter leaked: %s", out)
	}

	if _, err := run(t, dir, "search", "--weight", "1.5", "x"); err == nil {
		t.Error("out-of-range weight accepted")
	}

	mustRun(t, dir, "delete", id)
	out = mustRun(t, dir, "search", "sqlite", "readers")
	if strings.Contains(out, "SQLite") {
		t.Errorf("deleted document still returned: %s", out)
	}
}

func TestAddFromFile(t *testing.T) {
	dir := testDir(t)
	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("graph traversal with a visited set"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, dir, "add", path)

	out := mustRun(t, dir, "report", "graph", "traversal")
	if !strings.HasPrefix(out, "# Research Report: graph traversal") || !strings.Contains(out, "notes.md") {
		t.Errorf("report = %q", out)
	}

	reportPath := filepath.Join(t.TempDir(), "report.md")
	mustRun(t, dir, "report", "-o", reportPath, "graph")
	if data, err := os.ReadFile(reportPath); err != nil || len(data) == 0 {
		t.Errorf("report file: %v (%d bytes)", err, len(data))
	}

	if _, err := run(t, dir, "add"); err == nil {
		t.Error("add without text succeeded")
	}
}

func TestRelateAndQuery(t *testing.T) {
	dir := testDir(t)
	a := strings.TrimSpace(mustRun(t, dir, "add", "--title", "A", "--text", "first paper"))
	b := strings.TrimSpace(mustRun(t, dir, "add", "--title", "B", "--text", "second paper"))
	mustRun(t, dir, "relate", "--weight", "0.5", a, b, "CITES")

	var res struct {
		Nodes []map[string]any `json:"nodes"`
		Edges []map[string]any `json:"edges"`
	}
	out := mustRun(t, dir, "query", "MATCH (a:Document {title: $t})-[r:CITES]->(b) RETURN a,r,b", "--param", "t=A")
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode query output %q: %v", out, err)
	}
	if len(res.Nodes) != 2 || len(res.Edges) != 1 {
		t.Fatalf("query = %d nodes, %d edges", len(res.Nodes), len(res.Edges))
	}
	if res.Edges[0]["weight"] != 0.5 {
		t.Errorf("edge weight = %v, want 0.5", res.Edges[0]["weight"])
	}

	out = mustRun(t, dir, "relate", "--bidirectional", a, b, "RELATED")
	if lines := strings.Fields(out); len(lines) != 2 {
		t.Errorf("bidirectional relate printed %q", out)
	}

	if _, err := run(t, dir, "query", "MATCH (a RETURN a"); err == nil {
		t.Error("malformed query succeeded")
	}
	if _, err := run(t, dir, "relate", a, "ghost", "CITES"); err == nil {
		t.Error("relationship to a missing node succeeded")
	}

	out = mustRun(t, dir, "check")
	if !strings.Contains(out, `"nodesWithoutVectors": []`) {
		t.Errorf("check output = %s", out)
	}
}

func TestLearnCommands(t *testing.T) {
	dir := testDir(t)
	mustRun(t, dir, "add", "--title", "Doc", "--text", "learning from trajectories")

	id := strings.TrimSpace(mustRun(t, dir, "learn", "begin"))
	mustRun(t, dir, "search", "--trajectory", id, "--route", "vector", "trajectories")
	if _, err := run(t, dir, "learn", "end", id); err == nil {
		t.Error("end without --reward succeeded")
	}
	mustRun(t, dir, "learn", "end", id, "--reward", "0.8")

	var tick map[string]any
	if err := json.Unmarshal([]byte(mustRun(t, dir, "learn", "tick")), &tick); err != nil {
		t.Fatal(err)
	}
	if tick["noOp"] != true {
		t.Errorf("unforced tick = %v, want no-op", tick)
	}
	if err := json.Unmarshal([]byte(mustRun(t, dir, "learn", "tick", "--force")), &tick); err != nil {
		t.Fatal(err)
	}
	if tick["patternsFound"] != float64(1) || tick["consumed"] != float64(1) {
		t.Errorf("forced tick = %v", tick)
	}

	var stats map[string]any
	if err := json.Unmarshal([]byte(mustRun(t, dir, "learn", "stats")), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["trajectoriesRecorded"] != float64(1) || stats["patternsLearned"] != float64(1) {
		t.Errorf("learning stats = %v", stats)
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"name=alice", "age=42", "tags=[\"a\"]", "empty=", "eq=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"name":  "alice",
		"age":   float64(42),
		"tags":  []any{"a"},
		"empty": "",
		"eq":    "a=b",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseParams = %#v, want %#v", got, want)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) succeeded", bad)
		}
	}
}
