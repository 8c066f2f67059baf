package rktbuild

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Engine drives the sandbox through the build plan. Each attempt builds
// one group of packages from a pristine "installed" snapshot; a failed
// multi-item group is bisected at item boundaries until the culprit
// items are isolated. Items themselves are never split, since their
// members depend on each other.
type Engine struct {
	sb        Sandbox
	store     *Store
	cat       *CatalogSet
	installed stringSet
	pub       *Publisher

	failedNow stringSet // packages that failed during this run
	builtNow  int
}

func NewEngine(sb Sandbox, store *Store, cat *CatalogSet, installed stringSet, pub *Publisher) *Engine {
	return &Engine{
		sb:        sb,
		store:     store,
		cat:       cat,
		installed: installed,
		pub:       pub,
		failedNow: make(stringSet),
	}
}

// Run executes the whole plan. Consecutive plan items are batched into
// attempt groups of up to maxBuildTogether packages; everything else
// follows from the per-group protocol.
func (e *Engine) Run(plan *Plan) error {
	items := plan.Items
	total := 0
	for _, it := range items {
		total += len(it)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Building %d packages in %d plan items\n", total, len(items))

	for i := 0; i < len(items); {
		j := i + 1
		count := len(items[i])
		for j < len(items) && count+len(items[j]) <= maxBuildTogether {
			count += len(items[j])
			j++
		}
		if err := e.attempt(items[i:j]); err != nil {
			return err
		}
		i = j
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Done: %d built, %d failed\n", e.builtNow, len(e.failedNow))
	return nil
}

// attempt builds a slice of plan items as one sandbox session, bisecting
// on failure until single items remain.
func (e *Engine) attempt(items [][]string) error {
	group := flatten(items)

	// A package whose dependency already failed this run cannot build;
	// fail it up front instead of burning a sandbox cycle. Only whole
	// attempt groups are skipped this way, so a batch that mixes doomed
	// and viable items is bisected first.
	if len(items) == 1 {
		if dep := e.failedDependency(group); dep != "" {
			colWarn.Printf("Skipping %s: dependency %s failed\n", strings.Join(group, " "), dep)
			transcript := fmt.Sprintf("not built because dependency %q failed\n", dep)
			return e.recordFailure(group, []byte(transcript))
		}
	}

	ok, transcript, err := e.buildGroup(group)
	if err != nil {
		return err
	}
	if ok {
		// An unusable archive fails the attempt like a failed install, so
		// a multi-item batch is still bisected.
		for _, p := range group {
			if verr := verifyZip(e.store.StagingDir() + "/" + p + ".zip"); verr != nil {
				colError.Printf("Build of %s produced a bad archive: %v\n", p, verr)
				ok = false
				transcript = append(transcript, []byte(fmt.Sprintf("bad archive for %s: %v\n", p, verr))...)
				break
			}
		}
	}
	if ok {
		return e.recordSuccess(group)
	}

	if len(items) > 1 {
		colWarn.Printf("Group of %d packages failed; bisecting\n", len(group))
		mid := len(items) / 2
		if err := e.attempt(items[:mid]); err != nil {
			return err
		}
		return e.attempt(items[mid:])
	}
	return e.recordFailure(group, transcript)
}

// failedDependency returns a dependency of group that failed this run,
// or "". Dependencies inside the group do not count; mutually dependent
// packages sink or swim together.
func (e *Engine) failedDependency(group []string) string {
	inGroup := newStringSet(group...)
	for _, p := range group {
		d, ok := e.cat.Details[p]
		if !ok {
			continue
		}
		for _, dep := range d.Dependencies {
			if e.failedNow[dep] && !inGroup[dep] {
				return dep
			}
		}
	}
	return ""
}

// buildGroup runs the per-group protocol: restore the baseline, install
// the group, check for leakage, then pull archives and doc manifests
// for whatever got installed, success or not. The pulled artifacts land
// in staging; the caller decides whether they are adopted or salvaged.
func (e *Engine) buildGroup(group []string) (bool, []byte, error) {
	colArrow.Print("-> ")
	colSuccess.Printf("Building %s\n", strings.Join(group, " "))

	if err := e.store.ResetStaging(); err != nil {
		return false, nil, err
	}
	if err := e.sb.Restore(installedSnapshot); err != nil {
		return false, nil, err
	}
	if err := e.sb.Start(); err != nil {
		return false, nil, err
	}
	defer func() {
		if err := e.sb.Stop(); err != nil {
			colWarn.Printf("Failed to stop sandbox: %v\n", err)
		}
	}()

	for _, script := range []string{"pkg-list.rkt", "doc-dump.rkt"} {
		if err := pushScript(e.sb, script); err != nil {
			return false, nil, err
		}
	}

	timeout := time.Duration(cmdTimeout) * time.Second
	install := "racket/bin/raco pkg install -i --auto --skip-installed"
	if len(group) == 1 {
		install += " --fail-fast"
	}
	for _, p := range group {
		install += " " + p
	}

	out, err := e.sb.Exec(install, timeout)
	if err != nil {
		return false, nil, err
	}
	ok := out.OK()
	transcript := out.Transcript
	if out.Status == StatusTimedOut {
		transcript = append(transcript,
			[]byte(fmt.Sprintf("\nTIMEOUT after %d seconds\n", cmdTimeout))...)
	}

	if ok {
		leaked, lerr := e.checkLeakage(group, timeout)
		if lerr != nil {
			return false, nil, lerr
		}
		if len(leaked) > 0 {
			ok = false
			transcript = append(transcript, []byte(fmt.Sprintf(
				"\ninstall leaked source builds of %s; their builds must come first\n",
				strings.Join(leaked, " ")))...)
		}
	}

	// Extract artifacts even from a failed attempt. Some members of a
	// group may have installed fine before another broke the session,
	// and their output is worth salvaging.
	e.pullArtifacts(group, timeout)

	return ok, transcript, nil
}

// checkLeakage lists what the install actually put into the sandbox and
// returns any package that arrived from source without being part of
// the group: a dependency the plan should have built first. Baseline
// packages and already-published builds are expected arrivals.
func (e *Engine) checkLeakage(group []string, timeout time.Duration) ([]string, error) {
	out, err := e.sb.Exec("racket/bin/racket pkg-list.rkt > now-list.rktd", timeout)
	if err != nil {
		return nil, err
	}
	if !out.OK() {
		return nil, fmt.Errorf("failed to list installed packages: %s", out.Status)
	}
	local := e.store.StagingDir() + "/now-list.rktd"
	if err := e.sb.Pull("now-list.rktd", local); err != nil {
		return nil, err
	}
	now, err := readPackageList(local)
	if err != nil {
		return nil, err
	}

	inGroup := newStringSet(group...)
	var leaked []string
	for _, p := range now.sorted() {
		if e.installed[p] || inGroup[p] || e.pub.Published(p) {
			continue
		}
		leaked = append(leaked, p)
	}
	return leaked, nil
}

// pullArtifacts archives each installed group member inside the sandbox
// and pulls the zip, its checksum, and the doc manifest into staging.
// Per-package problems are logged and skipped; a member that never
// installed simply has nothing to pull.
func (e *Engine) pullArtifacts(group []string, timeout time.Duration) {
	for _, p := range group {
		create := fmt.Sprintf(
			"racket/bin/raco pkg create --format zip --from-install --dest . %s"+
				" && racket/bin/racket doc-dump.rkt %s > %s-docs.rktd",
			p, p, p)
		out, err := e.sb.Exec(create, timeout)
		if err != nil || !out.OK() {
			debugf("no archive for %s\n", p)
			continue
		}
		staged := e.store.StagingDir() + "/" + p
		if err := e.sb.Pull(p+".zip", staged+".zip"); err != nil {
			colWarn.Printf("Failed to pull archive for %s: %v\n", p, err)
			continue
		}
		if err := e.sb.Pull(p+".zip.CHECKSUM", staged+".zip.CHECKSUM"); err != nil {
			colWarn.Printf("Failed to pull archive checksum for %s: %v\n", p, err)
			continue
		}
		if err := e.sb.Pull(p+"-docs.rktd", e.store.StagingDir()+"/"+p+"-docs.rktd"); err != nil {
			debugf("no doc manifest for %s\n", p)
		}
	}
}

// recordSuccess adopts the staged artifacts for every member of a
// successful group, records the source checksums they were built from,
// and publishes them to the built catalog.
func (e *Engine) recordSuccess(group []string) error {
	for _, p := range group {
		if err := verifyZip(e.store.StagingDir() + "/" + p + ".zip"); err != nil {
			// The install claimed success but left no usable archive.
			colError.Printf("Build of %s produced a bad archive: %v\n", p, err)
			return e.recordFailure(group, []byte(fmt.Sprintf("bad archive for %s: %v\n", p, err)))
		}
	}
	for _, p := range group {
		digest, err := hashFile(e.store.StagingDir() + "/" + p + ".zip")
		if err != nil {
			return fmt.Errorf("failed to hash archive for %s: %w", p, err)
		}
		if err := e.store.AdoptStaged(p); err != nil {
			return fmt.Errorf("failed to adopt artifacts for %s: %w", p, err)
		}
		if d, ok := e.cat.Details[p]; ok {
			if err := e.store.SetOrigChecksum(p, d.Checksum); err != nil {
				return err
			}
		}
		note := fmt.Sprintf("built %s blake3 %s", time.Now().UTC().Format(time.RFC3339), digest)
		if err := e.store.RecordSuccess(p, note); err != nil {
			return err
		}
		e.builtNow++
	}
	if err := e.pub.Publish(group, e.cat); err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Built %s\n", strings.Join(group, " "))
	return nil
}

// recordFailure marks every member of a failed item. The first member
// keeps the transcript; the others get a copy, so looking up any member
// explains what happened. Partial artifacts go to the dumpster.
func (e *Engine) recordFailure(group []string, transcript []byte) error {
	colError.Printf("Build failed: %s\n", strings.Join(group, " "))
	for _, p := range group {
		e.failedNow[p] = true
		e.store.SalvageStaged(p)
		if err := e.store.RecordFailure(p, transcript); err != nil {
			return err
		}
		if d, ok := e.cat.Details[p]; ok {
			// A recorded failure is up to date for this source version;
			// without the checksum it would be retried forever.
			if err := e.store.SetOrigChecksum(p, d.Checksum); err != nil {
				return err
			}
		}
	}
	return nil
}

func flatten(items [][]string) []string {
	var out []string
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

// readPackageList parses a file holding one readable list of package
// names, the format the pkg-list helper prints.
func readPackageList(path string) (stringSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := parseRktd(string(data))
	if err != nil {
		return nil, fmt.Errorf("bad package list %s: %w", path, err)
	}
	lst, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("bad package list %s: not a list", path)
	}
	set := make(stringSet, len(lst))
	for _, e := range lst {
		switch x := e.(type) {
		case string:
			set[x] = true
		case Symbol:
			set[string(x)] = true
		}
	}
	return set, nil
}
