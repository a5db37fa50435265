package worker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func TestPackExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "model.yaml"), []byte("name: unet\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "variables"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "variables", "weights.bin"), []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := PackDir(src)
	if err != nil {
		t.Fatalf("PackDir: %v", err)
	}

	dst := t.TempDir()
	if err := ExtractArchive(dst, data); err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "model.yaml"))
	if err != nil || string(got) != "name: unet\n" {
		t.Errorf("model.yaml = %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(dst, "variables", "weights.bin"))
	if err != nil || !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("weights.bin = %v, %v", got, err)
	}
}

func TestExtractArchivePathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("escaped")
	tw.WriteHeader(&tar.Header{Name: "../../etc/evil", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg})
	tw.Write(content)
	tw.Close()
	gz.Close()

	dir := t.TempDir()
	if err := ExtractArchive(filepath.Join(dir, "model"), buf.Bytes()); err == nil {
		t.Fatal("expected error for path traversal entry")
	}
}

func TestExtractArchiveNotGzip(t *testing.T) {
	if err := ExtractArchive(t.TempDir(), []byte("plain text")); err == nil {
		t.Fatal("expected error for non-gzip data")
	}
}
