package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"cmd/app", "internal/llm", "node_modules/pkg", "deep/a/b/c"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range []string{"go.mod", "cmd/app/main.go", "internal/llm/router.go", "node_modules/pkg/index.js", "deep/a/b/c/leaf.go", "secret.env"} {
		if err := os.WriteFile(filepath.Join(root, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestBuildTreeDepthAndIgnores(t *testing.T) {
	root := writeTestTree(t)
	tree, err := BuildTree(root, 3, []string{"*.env"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"go.mod", "cmd/", "main.go", "router.go"} {
		if !strings.Contains(tree, want) {
			t.Errorf("tree missing %q:\n%s", want, tree)
		}
	}
	for _, not := range []string{"node_modules", "index.js", "leaf.go", "secret.env"} {
		if strings.Contains(tree, not) {
			t.Errorf("tree should not contain %q:\n%s", not, tree)
		}
	}
}

func TestBuildTreeIndentsByDepth(t *testing.T) {
	root := writeTestTree(t)
	tree, err := BuildTree(root, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(tree, "\n  app/\n") {
		t.Fatalf("second-level dir should be indented once:\n%s", tree)
	}
	if !strings.Contains(tree, "\n    main.go\n") && !strings.HasSuffix(tree, "\n    main.go\n") {
		t.Fatalf("third-level file should be indented twice:\n%s", tree)
	}
}

func TestFormatFindOutput(t *testing.T) {
	out := "./\n./go.mod\n./cmd\n./cmd/main.go\n./node_modules/pkg\n.\n"
	tree := FormatFindOutput(out, nil)
	if strings.Contains(tree, "node_modules") {
		t.Fatalf("default ignores not applied:\n%s", tree)
	}
	if !strings.Contains(tree, "go.mod") || !strings.Contains(tree, "  main.go") {
		t.Fatalf("formatting:\n%s", tree)
	}
}

func TestFormatFindOutputCustomIgnores(t *testing.T) {
	out := "./a.log\n./b.go\n"
	tree := FormatFindOutput(out, []string{"*.log"})
	if strings.Contains(tree, "a.log") || !strings.Contains(tree, "b.go") {
		t.Fatalf("custom ignores:\n%s", tree)
	}
}
