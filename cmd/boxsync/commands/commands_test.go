// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/boxsync/cmd/boxsync/cli"
	"github.com/bureau-foundation/boxsync/lib/boxerr"
)

// workspace is a box on disk with a SQLite mirror as its remote and a
// config file pointing at both.
type workspace struct {
	t          *testing.T
	dir        string
	configPath string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	passphrasePath := filepath.Join(dir, "passphrase")
	if err := os.WriteFile(passphrasePath, []byte("correct horse battery staple\n"), 0o600); err != nil {
		t.Fatalf("writing passphrase: %v", err)
	}
	configPath := filepath.Join(dir, "boxsync.yaml")
	content := `
paths:
  root: ` + dir + `
  passphrase_file: ` + passphrasePath + `
kdf:
  time: 1
  memory_kib: 8192
  threads: 1
engine:
  chunk_size: 4096
  concurrency: 2
  max_retries: -1
remote:
  kind: sqlite
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return &workspace{t: t, dir: dir, configPath: configPath}
}

// run executes one boxsync invocation and returns its stdout.
func (w *workspace) run(args ...string) (string, error) {
	w.t.Helper()
	var output bytes.Buffer
	previous := stdout
	stdout = &output
	defer func() { stdout = previous }()

	root := Root()
	root.Stderr = &bytes.Buffer{}
	err := root.Execute(context.Background(), withConfig(args, w.configPath))
	return output.String(), err
}

func (w *workspace) mustRun(args ...string) string {
	w.t.Helper()
	output, err := w.run(args...)
	if err != nil {
		w.t.Fatalf("boxsync %s: %v", strings.Join(args, " "), err)
	}
	return output
}

// withConfig inserts --config after the command words, before any
// positional arguments.
func withConfig(args []string, configPath string) []string {
	words := 1
	if len(args) > 1 && args[0] == "share" {
		words = 2
	}
	result := append([]string{}, args[:words]...)
	result = append(result, "--config", configPath)
	return append(result, args[words:]...)
}

func (w *workspace) writeFile(name string, data []byte) string {
	w.t.Helper()
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		w.t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func (w *workspace) readFile(path string) []byte {
	w.t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		w.t.Fatalf("reading %s: %v", path, err)
	}
	return data
}

// uploadOne uploads path and returns the printed local id.
func (w *workspace) uploadOne(args ...string) string {
	w.t.Helper()
	output := w.mustRun(append([]string{"upload"}, args...)...)
	fields := strings.Fields(output)
	if len(fields) < 2 || fields[1] != "complete" {
		w.t.Fatalf("upload output = %q, want a complete file", output)
	}
	return fields[0]
}

func randomData(seed int64, size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestUploadDownloadDelete(t *testing.T) {
	w := newWorkspace(t)
	boxID := strings.TrimSpace(w.mustRun("init"))
	if boxID == "" {
		t.Fatal("init printed no box id")
	}
	if _, err := w.run("init"); err == nil {
		t.Fatal("second init succeeded over an existing box")
	}

	data := randomData(1, 3*4096+17)
	source := w.writeFile("report.bin", data)
	localID := w.uploadOne(source)

	listing := w.mustRun("list")
	if !strings.Contains(listing, localID) || !strings.Contains(listing, "report.bin") {
		t.Errorf("list output lacks the file:\n%s", listing)
	}

	target := filepath.Join(w.dir, "restored.bin")
	w.mustRun("download", "-o", target, localID)
	if !bytes.Equal(w.readFile(target), data) {
		t.Fatal("downloaded file differs from the upload")
	}
	if _, err := w.run("download", "-o", target, localID); err == nil {
		t.Error("download overwrote an existing file")
	}

	if report := w.mustRun("reconcile"); strings.TrimSpace(report) != "clean" {
		t.Errorf("reconcile = %q, want clean", report)
	}

	w.mustRun("delete", localID)
	if listing := w.mustRun("list", "--all"); strings.Contains(listing, localID) {
		t.Errorf("deleted file still listed:\n%s", listing)
	}
	if _, err := w.run("download", "-o", filepath.Join(w.dir, "gone.bin"), localID); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("download after delete = %v, want not found", err)
	}
}

func TestWrongPassphrase(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun("init")

	wrong := w.writeFile("wrong", []byte("not the passphrase\n"))
	_, err := w.run("list", "--passphrase-file", wrong)
	if !errors.Is(err, boxerr.ErrAuthentication) {
		t.Fatalf("list with wrong passphrase = %v, want authentication error", err)
	}
}

func TestCommandsRequireBox(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.run("list")
	if err == nil || !strings.Contains(err.Error(), "boxsync init") {
		t.Fatalf("list without a box = %v", err)
	}
}

func TestReconcileReportsOrphans(t *testing.T) {
	w := newWorkspace(t)
	boxID := strings.TrimSpace(w.mustRun("init"))
	w.uploadOne(w.writeFile("a.bin", randomData(2, 100)))

	// A new index under the same box id shares the mirror partition but
	// knows none of its chunks.
	if err := os.Remove(filepath.Join(w.dir, "index.box")); err != nil {
		t.Fatalf("removing index: %v", err)
	}
	w.mustRun("init", "--box-id", boxID)

	report, err := w.run("reconcile")
	var exit *cli.ExitError
	if !errors.As(err, &exit) || exit.Code != 1 {
		t.Fatalf("reconcile error = %v, want exit code 1", err)
	}
	if !strings.HasPrefix(report, "orphan\t") {
		t.Errorf("reconcile report = %q, want orphans", report)
	}
	if strings.Contains(report, "clean") {
		t.Errorf("dirty report says clean: %q", report)
	}
}

func TestShareRoundTrip(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun("init")
	folderID := strings.TrimSpace(w.mustRun("mkdir", "photos"))

	shared := randomData(4, 5000)
	sharedID := w.uploadOne("--folder", folderID, w.writeFile("cat.jpg", shared))
	privateID := w.uploadOne(w.writeFile("diary.txt", randomData(5, 300)))

	bundlePath := filepath.Join(w.dir, "photos.share")
	w.mustRun("share", "export", "-o", bundlePath, folderID)

	listing := w.mustRun("share", "fetch", bundlePath)
	if !strings.Contains(listing, sharedID) {
		t.Errorf("share listing lacks the shared file:\n%s", listing)
	}
	if strings.Contains(listing, privateID) {
		t.Errorf("share listing exposes a file outside the folder:\n%s", listing)
	}

	target := filepath.Join(w.dir, "cat-copy.jpg")
	w.mustRun("share", "fetch", "-o", target, bundlePath, sharedID)
	if !bytes.Equal(w.readFile(target), shared) {
		t.Fatal("shared download differs")
	}
	if _, err := w.run("share", "fetch", "-o", filepath.Join(w.dir, "x"), bundlePath, privateID); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("fetching a private file through the share = %v, want not found", err)
	}
}

func TestSealedShare(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun("init")
	identity := filepath.Join(w.dir, "recipient.age")
	recipient := strings.TrimSpace(w.mustRun("keygen", "-o", identity))
	if !strings.HasPrefix(recipient, "age1") {
		t.Fatalf("keygen printed %q", recipient)
	}

	data := randomData(6, 700)
	localID := w.uploadOne(w.writeFile("root.txt", data))

	bundlePath := filepath.Join(w.dir, "root.share")
	w.mustRun("share", "export", "-r", recipient, "-o", bundlePath, "/")
	if !bytes.HasPrefix(w.readFile(bundlePath), ageArmorHeader) {
		t.Fatal("bundle is not age-armored")
	}

	target := filepath.Join(w.dir, "root-copy.txt")
	w.mustRun("share", "fetch", "--identity", identity, "-o", target, bundlePath, localID)
	if !bytes.Equal(w.readFile(target), data) {
		t.Fatal("sealed share download differs")
	}
}

func TestBackupAndRestore(t *testing.T) {
	w := newWorkspace(t)
	boxID := strings.TrimSpace(w.mustRun("init"))
	data := randomData(7, 9000)
	localID := w.uploadOne(w.writeFile("keep.bin", data))
	w.mustRun("backup")

	if err := os.Remove(filepath.Join(w.dir, "index.box")); err != nil {
		t.Fatalf("removing index: %v", err)
	}
	output := w.mustRun("restore", "--box-id", boxID)
	if !strings.HasPrefix(output, boxID) {
		t.Errorf("restore output = %q", output)
	}

	target := filepath.Join(w.dir, "keep-copy.bin")
	w.mustRun("download", "-o", target, localID)
	if !bytes.Equal(w.readFile(target), data) {
		t.Fatal("download through the restored index differs")
	}
}

func TestVersionCommand(t *testing.T) {
	var output bytes.Buffer
	previous := stdout
	stdout = &output
	defer func() { stdout = previous }()

	if err := Root().Execute(context.Background(), []string{"version", "--full"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(output.String(), "Go: go") {
		t.Errorf("version --full = %q", output.String())
	}
}
