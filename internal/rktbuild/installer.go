package rktbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// The installer step turns a fresh "init" snapshot of the sandbox into
// the "installed" baseline every build starts from: it downloads the
// snapshot site's installer for the configured platform, runs it in the
// sandbox, points the package tool at the loopback catalogs, records
// which packages and documents the distribution ships with, and freezes
// the result as a snapshot.

// installerName resolves the installer file for platformName from the
// snapshot site's installers/table.rktd.
func installerName() (string, error) {
	data, err := fetchBytes(snapshotURL + "/installers/table.rktd")
	if err != nil {
		return "", fmt.Errorf("failed to fetch installer table: %w", err)
	}
	v, err := parseRktd(string(data))
	if err != nil {
		return "", fmt.Errorf("bad installer table: %w", err)
	}
	table, ok := v.(Hash)
	if !ok {
		return "", fmt.Errorf("bad installer table: not a hash")
	}
	name := hashString(table, platformName)
	if name == "" {
		return "", fmt.Errorf("no installer for platform %q", platformName)
	}
	return name, nil
}

// downloadInstaller fetches the named installer into installerDir,
// reusing the previous download when the name has not changed. A
// changed name means a new snapshot, so the old file goes away.
func downloadInstaller(name string) (string, error) {
	recordPath := filepath.Join(installerDir, "installer-name")
	dest := filepath.Join(installerDir, filepath.Base(name))

	if prev, err := os.ReadFile(recordPath); err == nil {
		if strings.TrimSpace(string(prev)) == name {
			if _, err := os.Stat(dest); err == nil {
				debugf("reusing downloaded installer %s\n", dest)
				return dest, nil
			}
		} else {
			old := filepath.Join(installerDir, filepath.Base(strings.TrimSpace(string(prev))))
			_ = os.Remove(old)
		}
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Downloading installer %s\n", name)
	if err := downloadFile(snapshotURL+"/installers/"+name, dest, downloadOptions{}); err != nil {
		return "", fmt.Errorf("failed to download installer: %w", err)
	}
	if err := atomicWriteFile(recordPath, []byte(name+"\n"), 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

// provisionTimeout bounds each provisioning command. Installing the
// distribution is much slower than any single package build.
const provisionTimeout = 40 * time.Minute

// provisionSandbox produces the "installed" snapshot and returns the
// baseline installed package set. With SKIP_INSTALL set it only checks
// that a previous provisioning left both the snapshot and the cached
// install list behind.
func provisionSandbox(sb Sandbox, store *Store) (stringSet, error) {
	if skipInstall {
		ok, err := sb.HasSnapshot(installedSnapshot)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("SKIP_INSTALL is set but there is no %q snapshot", installedSnapshot)
		}
		installed, err := store.ReadInstallList()
		if err != nil {
			return nil, fmt.Errorf("SKIP_INSTALL is set but the install list is unusable: %w", err)
		}
		colNote.Printf("Skipping install; baseline has %d packages\n", len(installed))
		return installed, nil
	}

	name, err := installerName()
	if err != nil {
		return nil, err
	}
	installer, err := downloadInstaller(name)
	if err != nil {
		return nil, err
	}

	if err := sb.Restore(initSnapshot); err != nil {
		return nil, err
	}
	if err := sb.Start(); err != nil {
		return nil, err
	}

	if err := sb.Push(installer, "installer.sh"); err != nil {
		return nil, err
	}
	if err := pushScript(sb, "pkg-list.rkt"); err != nil {
		return nil, err
	}
	if err := pushScript(sb, "doc-dump.rkt"); err != nil {
		return nil, err
	}

	colArrow.Print("-> ")
	colSuccess.Println("Installing Racket in the sandbox")
	steps := []string{
		"sh installer.sh --in-place --dest racket",
		// Resolve every package through the loopback mirror, built
		// packages first so rebuilt dependencies win.
		fmt.Sprintf("racket/bin/raco pkg config -i --set catalogs"+
			" http://localhost:%d/built/catalog http://localhost:%d/archive/catalog",
			serverPort, serverPort),
		"racket/bin/raco pkg config -i --set trash-max-packages 0",
		"racket/bin/racket pkg-list.rkt > install-list.rktd",
	}
	for _, step := range steps {
		out, err := sb.Exec(step, provisionTimeout)
		if err != nil {
			return nil, err
		}
		if !out.OK() {
			return nil, fmt.Errorf("provisioning step %s: %s", out.Status, step)
		}
	}

	if err := sb.Pull("install-list.rktd", store.InstallListPath()); err != nil {
		return nil, err
	}
	installed, err := store.ReadInstallList()
	if err != nil {
		return nil, err
	}

	// The baseline ships documentation of its own; capture its manifest
	// now so the docs index can list it alongside what we build.
	dump := fmt.Sprintf("racket/bin/racket doc-dump.rkt %s > baseline-docs.rktd",
		strings.Join(installed.sorted(), " "))
	out, err := sb.Exec(dump, provisionTimeout)
	if err != nil {
		return nil, err
	}
	if !out.OK() {
		return nil, fmt.Errorf("baseline doc manifest %s", out.Status)
	}
	if err := sb.Pull("baseline-docs.rktd", store.BaselineDocsPath()); err != nil {
		return nil, err
	}

	if err := sb.Stop(); err != nil {
		return nil, err
	}
	if err := sb.TakeSnapshot(installedSnapshot); err != nil {
		return nil, err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Provisioned sandbox; baseline has %d packages\n", len(installed))
	return installed, nil
}

// pushScript stages one of the embedded helper scripts in the sandbox.
func pushScript(sb Sandbox, name string) error {
	data, err := embeddedScripts.ReadFile("assets/" + name)
	if err != nil {
		return fmt.Errorf("missing embedded script %s: %w", name, err)
	}
	tmp := filepath.Join(workDir, name)
	if err := atomicWriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return sb.Push(tmp, name)
}
