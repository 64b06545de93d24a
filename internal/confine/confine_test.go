package confine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/plyght/valet/internal/apperror"
)

func mustRoot(t *testing.T, dir string) *Root {
	t.Helper()
	r, err := NewRoot(dir)
	if err != nil {
		t.Fatalf("NewRoot(%q): %v", dir, err)
	}
	return r
}

func appErrorCode(t *testing.T, err error) apperror.Code {
	t.Helper()
	ae, ok := apperror.As(err)
	if !ok {
		t.Fatalf("expected *apperror.AppError, got %T (%v)", err, err)
	}
	return ae.Code
}

func TestResolveWithinRootAllowed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := mustRoot(t, dir)

	resolved, err := r.Resolve("a.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := filepath.Join(r.Canonical(), "a.txt")
	if resolved != want {
		t.Fatalf("resolved = %q, want %q", resolved, want)
	}
}

func TestResolveEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	r := mustRoot(t, dir)

	cases := []string{
		"../etc/passwd",
		"../../etc/passwd",
		"subdir/../../escape",
	}
	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			_, err := r.Resolve(in)
			if err == nil {
				t.Fatalf("Resolve(%q) succeeded, want PathOutsideRoot", in)
			}
			if code := appErrorCode(t, err); code != apperror.CodePathOutsideRoot {
				t.Fatalf("code = %v, want PathOutsideRoot", code)
			}
		})
	}
}

func TestResolveSiblingPrefixNotConfused(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	sibling := filepath.Join(parent, "roots")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(sibling, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sibling, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := mustRoot(t, root)
	// an absolute path into the sibling directory must not be treated as
	// contained just because its string form shares a prefix with root.
	_, err := r.Resolve(filepath.Join(sibling, "f.txt"))
	if err == nil {
		t.Fatal("Resolve into sibling dir succeeded, want PathOutsideRoot")
	}
	if code := appErrorCode(t, err); code != apperror.CodePathOutsideRoot {
		t.Fatalf("code = %v, want PathOutsideRoot", code)
	}
}

func TestResolveSymlinkEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s3cr3t"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	r := mustRoot(t, dir)
	_, err := r.Resolve("escape/secret.txt")
	if err == nil {
		t.Fatal("Resolve through symlink escaped root, want PathOutsideRoot")
	}
	if code := appErrorCode(t, err); code != apperror.CodePathOutsideRoot {
		t.Fatalf("code = %v, want PathOutsideRoot", code)
	}
}

func TestResolveNonExistentWriteTarget(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	r := mustRoot(t, dir)

	resolved, err := r.Resolve("sub/new-file.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := filepath.Join(r.Canonical(), "sub", "new-file.txt")
	if resolved != want {
		t.Fatalf("resolved = %q, want %q", resolved, want)
	}
}

func TestResolveNonExistentParentEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	r := mustRoot(t, dir)

	_, err := r.Resolve("sub/../../escape/new-file.txt")
	if err == nil {
		t.Fatal("Resolve succeeded, want PathOutsideRoot")
	}
	if code := appErrorCode(t, err); code != apperror.CodePathOutsideRoot {
		t.Fatalf("code = %v, want PathOutsideRoot", code)
	}
}

func TestResolveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := mustRoot(t, dir)

	resolved, err := r.Resolve("round/trip.txt")
	if err != nil {
		t.Fatalf("Resolve (write case): %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		t.Fatal(err)
	}
	want := []byte("round-trip-bytes")
	if err := os.WriteFile(resolved, want, 0o644); err != nil {
		t.Fatal(err)
	}

	resolvedAgain, err := r.Resolve("round/trip.txt")
	if err != nil {
		t.Fatalf("Resolve (read case): %v", err)
	}
	got, err := os.ReadFile(resolvedAgain)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}
