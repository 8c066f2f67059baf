package rktbuild

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PkgDetail is the resolved catalog record for one package.
type PkgDetail struct {
	Name         string
	Checksum     string
	Source       string
	Dependencies []string // normalized dependency names
	Raw          Hash     // record as served, with source rewritten to the mirror
}

// CatalogSet is C1's product: the union of the snapshot catalog and any
// configured extra catalogs, mirrored locally.
type CatalogSet struct {
	Details      map[string]*PkgDetail
	SnapshotPkgs stringSet // names present in the snapshot catalog only
	AllPkgs      stringSet // names present anywhere in the union
}

// depName extracts the package name from a dependency entry, which is
// either a bare name or a tuple whose first element is the name. The
// synthetic "racket" -> "base" remapping happens here.
func depName(entry any) (string, bool) {
	var name string
	switch x := entry.(type) {
	case string:
		name = x
	case Symbol:
		name = string(x)
	case []any:
		if len(x) == 0 {
			return "", false
		}
		return depName(x[0])
	default:
		return "", false
	}
	// strip any "name@url" or query-style suffix a catalog may carry
	if i := strings.IndexAny(name, "?@"); i >= 0 {
		name = name[:i]
	}
	if name == "racket" {
		name = "base"
	}
	return name, name != ""
}

func detailFromHash(name string, h Hash) *PkgDetail {
	d := &PkgDetail{
		Name:     name,
		Checksum: hashString(h, "checksum"),
		Source:   hashString(h, "source"),
		Raw:      h,
	}
	seen := make(stringSet)
	for _, entry := range hashList(h, "dependencies") {
		if dep, ok := depName(entry); ok && !seen[dep] {
			seen[dep] = true
			d.Dependencies = append(d.Dependencies, dep)
		}
	}
	sort.Strings(d.Dependencies)
	return d
}

// fetchCatalog downloads and parses a catalog's pkgs-all table.
func fetchCatalog(base string) (map[string]Hash, error) {
	data, err := fetchBytes(base + "/pkgs-all")
	if err != nil {
		return nil, err
	}
	v, err := parseRktd(string(data))
	if err != nil {
		return nil, fmt.Errorf("bad catalog at %s: %w", base, err)
	}
	table, ok := v.(Hash)
	if !ok {
		return nil, fmt.Errorf("bad catalog at %s: pkgs-all is not a hash", base)
	}
	out := make(map[string]Hash, len(table))
	for k, raw := range table {
		name := ""
		switch x := k.(type) {
		case string:
			name = x
		case Symbol:
			name = string(x)
		}
		det, ok := raw.(Hash)
		if name == "" || !ok {
			debugf("skipping malformed catalog entry %v\n", k)
			continue
		}
		out[name] = det
	}
	return out, nil
}

// archiveCatalogs mirrors the snapshot catalog plus any extra catalogs
// into work_dir/server/archive so the sandbox can resolve everything
// offline over the loopback catalog server.
func archiveCatalogs(store *Store) (*CatalogSet, error) {
	catalogs := append([]string{snapshotURL + "/catalog"}, extraCatalogs...)

	cat := &CatalogSet{
		Details:      make(map[string]*PkgDetail),
		SnapshotPkgs: make(stringSet),
		AllPkgs:      make(stringSet),
	}

	for i, base := range catalogs {
		colArrow.Print("-> ")
		colSuccess.Printf("Archiving catalog %s\n", base)
		table, err := fetchCatalog(base)
		if err != nil {
			return nil, fmt.Errorf("failed to archive catalog %s: %w", base, err)
		}
		for name, h := range table {
			if _, seen := cat.Details[name]; seen {
				// earlier catalogs win; the snapshot catalog is first
				continue
			}
			cat.Details[name] = detailFromHash(name, h)
			cat.AllPkgs[name] = true
			if i == 0 {
				cat.SnapshotPkgs[name] = true
			}
		}
	}

	// Mirror each package source and point the archived record at it.
	mirrorDir := filepath.Join(archiveDir, "pkgs")
	for _, name := range cat.AllPkgs.sorted() {
		if err := mirrorPackage(cat.Details[name], mirrorDir); err != nil {
			colWarn.Printf("Skipping %s: %v\n", name, err)
			delete(cat.Details, name)
			delete(cat.AllPkgs, name)
			delete(cat.SnapshotPkgs, name)
		}
	}

	if err := writeCatalogDir(filepath.Join(archiveDir, "catalog"), cat.Details); err != nil {
		return nil, err
	}
	if err := atomicWriteFile(filepath.Join(archiveDir, "snapshot-pkgs.rktd"),
		[]byte(writeRktd(cat.SnapshotPkgs.sorted())+"\n"), 0o644); err != nil {
		return nil, err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Archived %d packages (%d from the snapshot catalog)\n",
		len(cat.AllPkgs), len(cat.SnapshotPkgs))
	return cat, nil
}

// mirrorPackage downloads d's source zip into the served archive, reusing
// the previous download when the advertised checksum is unchanged, and
// rewrites d's source to the mirror URL.
func mirrorPackage(d *PkgDetail, mirrorDir string) error {
	u, err := url.Parse(d.Source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("unsupported source %q", d.Source)
	}

	zipPath := filepath.Join(mirrorDir, d.Name+".zip")
	sumPath := zipPath + ".orig-CHECKSUM"

	current := false
	if data, err := os.ReadFile(sumPath); err == nil && strings.TrimSpace(string(data)) == d.Checksum {
		if _, err := os.Stat(zipPath); err == nil {
			current = true
		}
	}
	if !current {
		_ = os.Remove(zipPath)
		if err := downloadFile(d.Source, zipPath, downloadOptions{Quiet: !Debug}); err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		if err := atomicWriteFile(sumPath, []byte(d.Checksum+"\n"), 0o644); err != nil {
			return err
		}
	}

	mirrored := fmt.Sprintf("http://localhost:%d/archive/pkgs/%s.zip", serverPort, d.Name)
	d.Source = mirrored
	raw := make(Hash, len(d.Raw))
	for k, v := range d.Raw {
		raw[k] = v
	}
	raw[Symbol("source")] = mirrored
	d.Raw = raw
	return nil
}

// loadArchivedCatalogs reuses the previous archive verbatim (SKIP_ARCHIVE).
func loadArchivedCatalogs(store *Store) (*CatalogSet, error) {
	data, err := os.ReadFile(filepath.Join(archiveDir, "catalog", "pkgs-all"))
	if err != nil {
		return nil, fmt.Errorf("no archived catalog; run without SKIP_ARCHIVE first: %w", err)
	}
	v, err := parseRktd(string(data))
	if err != nil {
		return nil, fmt.Errorf("corrupt archived catalog: %w", err)
	}
	table, ok := v.(Hash)
	if !ok {
		return nil, fmt.Errorf("corrupt archived catalog: pkgs-all is not a hash")
	}

	cat := &CatalogSet{
		Details:      make(map[string]*PkgDetail),
		SnapshotPkgs: make(stringSet),
		AllPkgs:      make(stringSet),
	}
	for k, raw := range table {
		name := ""
		switch x := k.(type) {
		case string:
			name = x
		case Symbol:
			name = string(x)
		}
		h, ok := raw.(Hash)
		if name == "" || !ok {
			continue
		}
		cat.Details[name] = detailFromHash(name, h)
		cat.AllPkgs[name] = true
	}

	snapData, err := os.ReadFile(filepath.Join(archiveDir, "snapshot-pkgs.rktd"))
	if err != nil {
		return nil, fmt.Errorf("missing snapshot package listing: %w", err)
	}
	sv, err := parseRktd(string(snapData))
	if err != nil {
		return nil, fmt.Errorf("corrupt snapshot package listing: %w", err)
	}
	if lst, ok := sv.([]any); ok {
		for _, e := range lst {
			if s, ok := e.(string); ok {
				cat.SnapshotPkgs[s] = true
			}
		}
	}
	return cat, nil
}

// writeCatalogDir lays out a package catalog in the directory format the
// sandbox's package tool reads: pkg/P per-package records, pkgs-all, and
// the pkgs name list. All three are replaced atomically.
func writeCatalogDir(dir string, details map[string]*PkgDetail) error {
	if err := os.MkdirAll(filepath.Join(dir, "pkg"), 0o755); err != nil {
		return err
	}

	names := make([]string, 0, len(details))
	all := make(Hash, len(details))
	for name, d := range details {
		names = append(names, name)
		all[name] = d.Raw
	}
	sort.Strings(names)

	for _, name := range names {
		record := writeRktd(details[name].Raw) + "\n"
		if err := atomicWriteFile(filepath.Join(dir, "pkg", name), []byte(record), 0o644); err != nil {
			return err
		}
	}
	if err := atomicWriteFile(filepath.Join(dir, "pkgs-all"), []byte(writeRktd(all)+"\n"), 0o644); err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(dir, "pkgs"), []byte(writeRktd(names)+"\n"), 0o644)
}
