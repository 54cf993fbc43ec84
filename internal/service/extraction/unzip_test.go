package extraction

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

func writeArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.zip")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	writer := zip.NewWriter(file)
	for name, content := range entries {
		entry, err := writer.Create(name)
		if err != nil {
			t.Fatalf("create entry %q: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %q: %v", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return path
}

func TestUnzipExtractsNestedEntries(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"index.html":      "<html>preview</html>",
		"assets/app.js":   "console.log(1)",
		"assets/deep/x.c": "int main() {}",
	})
	dest := filepath.Join(t.TempDir(), "out")

	if err := Unzip(archive, dest); err != nil {
		t.Fatalf("unzip: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dest, "assets", "deep", "x.c"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(content) != "int main() {}" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestUnzipRejectsPathTraversal(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"../evil.txt": "nope",
	})
	dest := filepath.Join(t.TempDir(), "out")

	if err := Unzip(archive, dest); err == nil {
		t.Fatal("expected traversal entry to be rejected")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "evil.txt")); !os.IsNotExist(err) {
		t.Fatal("traversal entry escaped the destination")
	}
}
