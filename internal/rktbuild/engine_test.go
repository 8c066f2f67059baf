package rktbuild

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kzip "github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setTestDirs points the directory globals at a fresh temp tree so
// engine and publisher runs stay isolated per test.
func setTestDirs(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	workDir = filepath.Join(dir, "work")
	serverDir = filepath.Join(workDir, "server")
	archiveDir = filepath.Join(serverDir, "archive")
	builtDir = filepath.Join(serverDir, "built")
	installerDir = filepath.Join(workDir, "installer")
	cmdTimeout = 5
	maxBuildTogether = 1
	require.NoError(t, os.MkdirAll(workDir, 0o755))
}

func zipBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := kzip.NewWriter(&buf)
	f, err := zw.Create("info.rkt")
	require.NoError(t, err)
	_, err = f.Write([]byte("#lang info\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fakeSandbox scripts the build environment: which packages fail or
// hang, what the baseline contains, and what extra packages an install
// quietly drags in.
type fakeSandbox struct {
	t        *testing.T
	baseline stringSet
	fail     stringSet
	hang     stringSet
	leak     stringSet

	session  stringSet // installed beyond the baseline this session
	archived stringSet
	installs [][]string
	restores int
}

func newFakeSandbox(t *testing.T, baseline stringSet) *fakeSandbox {
	return &fakeSandbox{
		t:        t,
		baseline: baseline,
		fail:     make(stringSet),
		hang:     make(stringSet),
		leak:     make(stringSet),
	}
}

func (f *fakeSandbox) Restore(snapshot string) error {
	require.Equal(f.t, installedSnapshot, snapshot)
	f.session = make(stringSet)
	f.archived = make(stringSet)
	f.restores++
	return nil
}

func (f *fakeSandbox) TakeSnapshot(name string) error        { return nil }
func (f *fakeSandbox) HasSnapshot(name string) (bool, error) { return true, nil }
func (f *fakeSandbox) Start() error                          { return nil }
func (f *fakeSandbox) Stop() error                           { return nil }

func (f *fakeSandbox) Exec(command string, timeout time.Duration) (Outcome, error) {
	fields := strings.Fields(command)
	switch {
	case strings.Contains(command, "pkg install"):
		var pkgs []string
		for _, tok := range fields[3:] {
			if !strings.HasPrefix(tok, "-") {
				pkgs = append(pkgs, tok)
			}
		}
		f.installs = append(f.installs, pkgs)
		for _, p := range pkgs {
			if f.hang[p] {
				return Outcome{Status: StatusTimedOut, Transcript: []byte("no output")}, nil
			}
			if f.fail[p] {
				return Outcome{Status: StatusFailed,
					Transcript: []byte("raco pkg install: build failure for " + p)}, nil
			}
		}
		for _, p := range pkgs {
			f.session[p] = true
		}
		for p := range f.leak {
			f.session[p] = true
		}
		return Outcome{Status: StatusOK}, nil

	case strings.Contains(command, "pkg-list.rkt"):
		return Outcome{Status: StatusOK}, nil

	case strings.Contains(command, "pkg create"):
		p := fields[8]
		if !f.session[p] {
			return Outcome{Status: StatusFailed, Transcript: []byte("not installed: " + p)}, nil
		}
		f.archived[p] = true
		return Outcome{Status: StatusOK}, nil
	}
	f.t.Fatalf("unexpected command %q", command)
	return Outcome{}, nil
}

func (f *fakeSandbox) Push(local, remoteName string) error { return nil }

func (f *fakeSandbox) Pull(remoteName, local string) error {
	switch {
	case remoteName == "now-list.rktd":
		all := make(stringSet)
		for p := range f.baseline {
			all[p] = true
		}
		for p := range f.session {
			all[p] = true
		}
		return os.WriteFile(local, []byte(writeRktd(all.sorted())+"\n"), 0o644)
	case strings.HasSuffix(remoteName, ".zip.CHECKSUM"):
		p := strings.TrimSuffix(remoteName, ".zip.CHECKSUM")
		if !f.archived[p] {
			return fmt.Errorf("no such file %s", remoteName)
		}
		return os.WriteFile(local, []byte("f00d\n"), 0o644)
	case strings.HasSuffix(remoteName, ".zip"):
		p := strings.TrimSuffix(remoteName, ".zip")
		if !f.archived[p] {
			return fmt.Errorf("no such file %s", remoteName)
		}
		return os.WriteFile(local, zipBytes(f.t), 0o644)
	case strings.HasSuffix(remoteName, "-docs.rktd"):
		p := strings.TrimSuffix(remoteName, "-docs.rktd")
		manifest := Hash{p: []any{}}
		return os.WriteFile(local, []byte(writeRktd(manifest)+"\n"), 0o644)
	}
	return fmt.Errorf("no such file %s", remoteName)
}

func newTestEngine(t *testing.T, cat *CatalogSet, baseline stringSet) (*Engine, *fakeSandbox, *Store) {
	t.Helper()
	setTestDirs(t)
	store := testStore(t)
	sb := newFakeSandbox(t, baseline)
	pub, err := NewPublisher(store, cat.SnapshotPkgs)
	require.NoError(t, err)
	return NewEngine(sb, store, cat, baseline, pub), sb, store
}

func TestEngine_SinglePackageSuccess(t *testing.T) {
	cat := testCatalog(map[string][]string{
		"base": nil,
		"a":    {"base"},
	})
	baseline := newStringSet("base")
	eng, sb, store := newTestEngine(t, cat, baseline)

	require.NoError(t, eng.Run(&Plan{Items: [][]string{{"a"}}}))

	assert.True(t, store.HasSuccess("a"))
	assert.True(t, store.HasZip("a"))
	assert.Equal(t, "sum-a", store.OrigChecksum("a"))
	assert.Equal(t, 1, sb.restores)
	// one install, of a alone; the fake drops flags such as --fail-fast
	require.Len(t, sb.installs, 1)
	assert.Equal(t, []string{"a"}, sb.installs[0])

	// the zip got published with the archive's own checksum
	data, err := os.ReadFile(filepath.Join(builtDir, "catalog", "pkg", "a"))
	require.NoError(t, err)
	v, err := parseRktd(string(data))
	require.NoError(t, err)
	h, ok := v.(Hash)
	require.True(t, ok)
	assert.Equal(t, "f00d", hashString(h, "checksum"))
	assert.Equal(t, "../pkgs/a.zip", hashString(h, "source"))
}

func TestEngine_BisectionIsolatesTheCulprit(t *testing.T) {
	cat := testCatalog(map[string][]string{
		"a": nil, "b": nil, "c": nil, "d": nil,
	})
	eng, sb, store := newTestEngine(t, cat, make(stringSet))
	sb.fail["b"] = true
	maxBuildTogether = 4

	plan := &Plan{Items: [][]string{{"a"}, {"b"}, {"c"}, {"d"}}}
	require.NoError(t, eng.Run(plan))

	assert.True(t, store.HasSuccess("a"))
	assert.True(t, store.HasFailure("b"))
	assert.False(t, store.HasSuccess("b"))
	assert.True(t, store.HasSuccess("c"))
	assert.True(t, store.HasSuccess("d"))

	// [a b c d] fails, [a b] fails, [a] ok, [b] fails, [c d] ok
	assert.Equal(t, [][]string{
		{"a", "b", "c", "d"},
		{"a", "b"},
		{"a"},
		{"b"},
		{"c", "d"},
	}, sb.installs)

	transcript, err := os.ReadFile(store.FailPath("b"))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "build failure for b")
}

func TestEngine_GroupItemsAreNeverSplit(t *testing.T) {
	cat := testCatalog(map[string][]string{
		"p": {"q"}, "q": {"p"},
	})
	eng, sb, store := newTestEngine(t, cat, make(stringSet))
	sb.fail["q"] = true

	require.NoError(t, eng.Run(&Plan{Items: [][]string{{"p", "q"}}}))

	// one attempt, both marked failed with the same transcript
	assert.Len(t, sb.installs, 1)
	assert.True(t, store.HasFailure("p"))
	assert.True(t, store.HasFailure("q"))
	pt, err := os.ReadFile(store.FailPath("p"))
	require.NoError(t, err)
	qt, err := os.ReadFile(store.FailPath("q"))
	require.NoError(t, err)
	assert.Equal(t, pt, qt)
}

func TestEngine_FailedDependencySkipsTheBuild(t *testing.T) {
	cat := testCatalog(map[string][]string{
		"a": nil,
		"b": {"a"},
	})
	eng, sb, store := newTestEngine(t, cat, make(stringSet))
	sb.fail["a"] = true

	require.NoError(t, eng.Run(&Plan{Items: [][]string{{"a"}, {"b"}}}))

	// b was never attempted in the sandbox
	assert.Equal(t, [][]string{{"a"}}, sb.installs)
	assert.True(t, store.HasFailure("b"))
	transcript, err := os.ReadFile(store.FailPath("b"))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), `dependency "a" failed`)
}

func TestEngine_TimeoutIsRecordedAsFailure(t *testing.T) {
	cat := testCatalog(map[string][]string{"slow": nil})
	eng, sb, store := newTestEngine(t, cat, make(stringSet))
	sb.hang["slow"] = true

	require.NoError(t, eng.Run(&Plan{Items: [][]string{{"slow"}}}))

	assert.True(t, store.HasFailure("slow"))
	transcript, err := os.ReadFile(store.FailPath("slow"))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "TIMEOUT")
	// the failure counts as up to date for this source version
	assert.Equal(t, "sum-slow", store.OrigChecksum("slow"))
}

func TestEngine_LeakedSourceBuildFailsTheGroup(t *testing.T) {
	cat := testCatalog(map[string][]string{
		"a":      nil,
		"sneaky": nil,
	})
	eng, sb, store := newTestEngine(t, cat, make(stringSet))
	sb.leak["sneaky"] = true

	require.NoError(t, eng.Run(&Plan{Items: [][]string{{"a"}}}))

	assert.True(t, store.HasFailure("a"))
	transcript, err := os.ReadFile(store.FailPath("a"))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "leaked source builds of sneaky")
}

func TestEngine_SnapshotPackagesAreNotPublished(t *testing.T) {
	cat := testCatalog(map[string][]string{"core": nil})
	cat.SnapshotPkgs["core"] = true
	eng, _, store := newTestEngine(t, cat, make(stringSet))

	require.NoError(t, eng.Run(&Plan{Items: [][]string{{"core"}}}))

	assert.True(t, store.HasSuccess("core"))
	_, err := os.Stat(filepath.Join(builtDir, "pkgs", "core.zip"))
	assert.True(t, os.IsNotExist(err))
}
