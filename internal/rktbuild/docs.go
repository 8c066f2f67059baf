package rktbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// The docs step assembles one rendered documentation tree covering
// every successfully built package that declares documentation. Docs
// cannot be rendered package by package because cross references only
// resolve when everything is installed together, so this is a single
// big sandbox session at the end of a run.

// docsTimeout bounds the combined install-and-render session, which
// scales with the number of documented packages rather than one build.
const docsTimeout = 4 * time.Hour

// documentedPackages returns the built packages that declare docs and
// must be installed for the render, together with the full doc listing
// for the index. The listing also covers the baseline's own manifest,
// captured at provisioning time, since those documents land in the
// pulled tree without any install of ours.
func documentedPackages(store *Store) ([]string, map[string][]string, error) {
	byPkg, err := store.BaselineDocManifest()
	if err != nil {
		return nil, nil, err
	}
	for p, docs := range byPkg {
		if len(docs) == 0 {
			delete(byPkg, p)
		}
	}

	built, err := store.BuiltPackages()
	if err != nil {
		return nil, nil, err
	}
	var pkgs []string
	for _, p := range built {
		if !store.HasSuccess(p) {
			continue
		}
		manifest, err := store.DocManifest(p)
		if err != nil {
			return nil, nil, err
		}
		docs := manifest[p]
		if len(docs) == 0 {
			continue
		}
		pkgs = append(pkgs, p)
		byPkg[p] = docs
	}
	sort.Strings(pkgs)
	return pkgs, byPkg, nil
}

// assembleDocs installs all documented packages into a fresh baseline,
// pulls the rendered documentation tree, and publishes it under the
// server root, both extracted for browsing and as one tarball.
func assembleDocs(sb Sandbox, store *Store) error {
	pkgs, byPkg, err := documentedPackages(store)
	if err != nil {
		return err
	}
	if len(byPkg) == 0 {
		colNote.Println("No documented packages to assemble")
		return nil
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Assembling documentation for %d packages\n", len(byPkg))

	if err := sb.Restore(installedSnapshot); err != nil {
		return err
	}
	if err := sb.Start(); err != nil {
		return err
	}
	defer func() {
		if err := sb.Stop(); err != nil {
			colWarn.Printf("Failed to stop sandbox: %v\n", err)
		}
	}()

	if len(pkgs) > 0 {
		install := "racket/bin/raco pkg install -i --auto --skip-installed " +
			strings.Join(pkgs, " ")
		out, err := sb.Exec(install, docsTimeout)
		if err != nil {
			return err
		}
		if !out.OK() {
			// Individual builds succeeded, so a combined install failure
			// means conflicting packages. Record the transcript where a
			// rerun will find it.
			_ = atomicWriteFile(filepath.Join(workDir, "docs-install-failure.txt"),
				out.Transcript, 0o644)
			return fmt.Errorf("documentation install %s; transcript in docs-install-failure.txt", out.Status)
		}
	}

	out, err := sb.Exec("tar czf docs.tar.gz -C racket/doc .", docsTimeout)
	if err != nil {
		return err
	}
	if !out.OK() {
		return fmt.Errorf("failed to pack documentation: %s", out.Status)
	}

	tarball := filepath.Join(workDir, "docs.tar.gz")
	if err := sb.Pull("docs.tar.gz", tarball); err != nil {
		return err
	}

	docRoot := filepath.Join(serverDir, "doc")
	if err := os.RemoveAll(docRoot); err != nil {
		return err
	}
	if err := extractTarball(tarball, docRoot); err != nil {
		return fmt.Errorf("failed to extract documentation: %w", err)
	}
	if err := writeDocIndex(docRoot, byPkg); err != nil {
		return err
	}
	if err := createTarGz(docRoot, filepath.Join(serverDir, "docs.tar.gz")); err != nil {
		return fmt.Errorf("failed to repack documentation: %w", err)
	}

	if info, err := os.Stat(filepath.Join(serverDir, "docs.tar.gz")); err == nil {
		colArrow.Print("-> ")
		colSuccess.Printf("Documentation assembled (%s)\n", humanReadableSize(info.Size()))
	}
	return nil
}

// writeDocIndex emits a plain index page linking every document to the
// package that provides it.
func writeDocIndex(docRoot string, byPkg map[string][]string) error {
	pkgs := make([]string, 0, len(byPkg))
	for p := range byPkg {
		pkgs = append(pkgs, p)
	}
	sort.Strings(pkgs)

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html><head><title>Package Documentation</title></head><body>\n")
	sb.WriteString("<h1>Package Documentation</h1>\n<ul>\n")
	for _, p := range pkgs {
		for _, doc := range byPkg[p] {
			fmt.Fprintf(&sb, "<li><a href=%q>%s</a> (from %s)</li>\n",
				doc+"/index.html", htmlEscape(doc), htmlEscape(p))
		}
	}
	sb.WriteString("</ul>\n</body></html>\n")
	return atomicWriteFile(filepath.Join(docRoot, "index.html"), []byte(sb.String()), 0o644)
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
