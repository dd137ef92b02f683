package roles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/meshgate/meshgate/internal/common/logger"
)

func writeRolesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write roles file: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	m := NewManager(logger.Default())
	path := writeRolesFile(t, `
roles:
  - roleId: tester
    name: Tester
    maxConcurrent: 4
    priority: 55
    allowedTools: [go, grep]
  - roleId: coder
    name: Custom Coder
    priority: 65
`)

	loaded, err := m.LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded != 2 {
		t.Errorf("expected 2 roles loaded, got %d", loaded)
	}

	tester, ok := m.GetRole("tester")
	if !ok {
		t.Fatal("tester role missing")
	}
	if tester.MaxConcurrent != 4 || tester.Priority != 55 {
		t.Errorf("unexpected tester role: %+v", tester)
	}

	// Built-in definitions are replaced by file entries of the same id.
	coder, _ := m.GetRole("coder")
	if coder.Name != "Custom Coder" || coder.Priority != 65 {
		t.Errorf("coder not overridden: %+v", coder)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	m := NewManager(logger.Default())

	cases := map[string]string{
		"bad role id": `
roles:
  - roleId: "Not Valid"
    name: X
`,
		"quota out of range": `
roles:
  - roleId: crowd
    name: Crowd
    maxConcurrent: 65
`,
		"priority out of range": `
roles:
  - roleId: sky
    name: Sky
    priority: 101
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := m.LoadFile(writeRolesFile(t, content)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := m.LoadFile("/does/not/exist.yaml"); err == nil {
		t.Error("missing file should error")
	}
}
