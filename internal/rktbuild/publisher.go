package rktbuild

import (
	"fmt"
	"os"
	"path/filepath"
)

// Publisher maintains the catalog of built packages under
// server/built. The catalog accretes across runs: every successfully
// built package ever published stays listed until its record is
// replaced by a newer build or Prune drops it (its package left the
// catalogs, or its zip went missing). Packages that belong to the snapshot
// distribution itself are never published; the sandbox already has
// them and a built copy would shadow the snapshot's.
type Publisher struct {
	store        *Store
	snapshotPkgs stringSet
	details      map[string]*PkgDetail
}

// NewPublisher loads the previously published catalog, if any, so this
// run extends it instead of starting from scratch.
func NewPublisher(store *Store, snapshotPkgs stringSet) (*Publisher, error) {
	pub := &Publisher{
		store:        store,
		snapshotPkgs: snapshotPkgs,
		details:      make(map[string]*PkgDetail),
	}
	for _, dir := range []string{
		filepath.Join(builtDir, "pkgs"),
		filepath.Join(builtDir, "catalog"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("unwritable built dir: %w", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(builtDir, "catalog", "pkgs-all"))
	if os.IsNotExist(err) {
		return pub, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := parseRktd(string(data))
	if err != nil {
		return nil, fmt.Errorf("corrupt built catalog: %w", err)
	}
	table, ok := v.(Hash)
	if !ok {
		return nil, fmt.Errorf("corrupt built catalog: pkgs-all is not a hash")
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
		pub.details[name] = detailFromHash(name, h)
	}
	return pub, nil
}

// Published reports whether p is currently listed in the built catalog.
func (pub *Publisher) Published(p string) bool {
	_, ok := pub.details[p]
	return ok
}

// Publish copies the freshly built archives for group into the served
// tree and rewrites the built catalog. The catalog entry's checksum is
// the hash of the built zip, not the source checksum; consumers verify
// what they actually download.
func (pub *Publisher) Publish(group []string, cat *CatalogSet) error {
	changed := false
	for _, p := range group {
		if pub.snapshotPkgs[p] {
			debugf("not publishing snapshot package %s\n", p)
			continue
		}
		d, ok := cat.Details[p]
		if !ok {
			return fmt.Errorf("no catalog record for built package %s", p)
		}
		sum, err := pub.store.ZipChecksum(p)
		if err != nil {
			return fmt.Errorf("built package %s has no archive checksum: %w", p, err)
		}
		dest := filepath.Join(builtDir, "pkgs", p+".zip")
		if err := copyFile(pub.store.ZipPath(p), dest); err != nil {
			return fmt.Errorf("failed to publish %s: %w", p, err)
		}

		raw := make(Hash, len(d.Raw)+1)
		for k, v := range d.Raw {
			raw[k] = v
		}
		raw[Symbol("source")] = "../pkgs/" + p + ".zip"
		raw[Symbol("checksum")] = sum
		pub.details[p] = &PkgDetail{
			Name:         p,
			Checksum:     sum,
			Source:       "../pkgs/" + p + ".zip",
			Dependencies: d.Dependencies,
			Raw:          raw,
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return writeCatalogDir(filepath.Join(builtDir, "catalog"), pub.details)
}

// Rewrite forces the catalog files to be regenerated from the in-memory
// table, used after pruning stale entries.
func (pub *Publisher) Rewrite() error {
	return writeCatalogDir(filepath.Join(builtDir, "catalog"), pub.details)
}

// Prune drops published entries whose package no longer exists in the
// archived catalogs, and entries whose zip went missing from disk.
func (pub *Publisher) Prune(cat *CatalogSet) error {
	changed := false
	for p := range pub.details {
		if _, ok := cat.Details[p]; !ok {
			debugf("pruning %s: no longer in any catalog\n", p)
			delete(pub.details, p)
			_ = os.Remove(filepath.Join(builtDir, "pkgs", p+".zip"))
			changed = true
			continue
		}
		if _, err := os.Stat(filepath.Join(builtDir, "pkgs", p+".zip")); err != nil {
			debugf("pruning %s: published zip is missing\n", p)
			delete(pub.details, p)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return pub.Rewrite()
}
