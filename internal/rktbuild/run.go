package rktbuild

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Top-level entry points, one per CLI command. Each wires together the
// pieces it needs so partial runs (archive only, plan only) stay cheap.

// LoadConfig reads the configuration file, merges environment
// overrides, and populates the package globals.
func LoadConfig() (*Config, error) {
	if path := os.Getenv("RKTBUILD_CONF"); path != "" {
		ConfigFile = path
	}
	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ConfigFile, err)
	}
	if err := initConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func requireSnapshot() error {
	if snapshotURL == "" {
		return fmt.Errorf("SNAPSHOT_URL is not set; point it at a snapshot site")
	}
	return nil
}

func openCatalogs(store *Store) (*CatalogSet, error) {
	if skipArchive {
		colNote.Println("Reusing previously archived catalogs")
		return loadArchivedCatalogs(store)
	}
	if err := requireSnapshot(); err != nil {
		return nil, err
	}
	return archiveCatalogs(store)
}

// RunAll is the everything command: archive, provision, plan, build,
// docs. Any stage already satisfied (or skipped by configuration) is
// passed over.
func RunAll(ctx context.Context) error {
	store, err := NewStore(workDir)
	if err != nil {
		return err
	}
	server, err := startCatalogServer()
	if err != nil {
		return err
	}
	defer server.Stop()

	cat, err := openCatalogs(store)
	if err != nil {
		return err
	}
	pub, err := NewPublisher(store, cat.SnapshotPkgs)
	if err != nil {
		return err
	}
	if err := pub.Prune(cat); err != nil {
		return err
	}

	sb := NewSandbox(ctx)
	installed, err := provisionSandbox(sb, store)
	if err != nil {
		return err
	}

	plan, err := computePlan(cat, installed, store)
	if err != nil {
		return err
	}

	if skipBuild {
		colNote.Println("Skipping builds")
	} else if err := NewEngine(sb, store, cat, installed, pub).Run(plan); err != nil {
		return err
	}

	if skipDocs {
		colNote.Println("Skipping documentation assembly")
		return nil
	}
	return assembleDocs(sb, store)
}

// RunArchive mirrors the catalogs and package sources and stops there.
func RunArchive(ctx context.Context) error {
	if err := requireSnapshot(); err != nil {
		return err
	}
	store, err := NewStore(workDir)
	if err != nil {
		return err
	}
	_, err = archiveCatalogs(store)
	return err
}

// RunInstall provisions the sandbox baseline from the current archive.
func RunInstall(ctx context.Context) error {
	store, err := NewStore(workDir)
	if err != nil {
		return err
	}
	server, err := startCatalogServer()
	if err != nil {
		return err
	}
	defer server.Stop()

	_, err = provisionSandbox(NewSandbox(ctx), store)
	return err
}

// RunBuild archives (unless skipped), provisions, and builds, without
// the docs pass.
func RunBuild(ctx context.Context) error {
	store, err := NewStore(workDir)
	if err != nil {
		return err
	}
	server, err := startCatalogServer()
	if err != nil {
		return err
	}
	defer server.Stop()

	cat, err := openCatalogs(store)
	if err != nil {
		return err
	}
	pub, err := NewPublisher(store, cat.SnapshotPkgs)
	if err != nil {
		return err
	}
	if err := pub.Prune(cat); err != nil {
		return err
	}

	sb := NewSandbox(ctx)
	installed, err := provisionSandbox(sb, store)
	if err != nil {
		return err
	}
	plan, err := computePlan(cat, installed, store)
	if err != nil {
		return err
	}
	return NewEngine(sb, store, cat, installed, pub).Run(plan)
}

// RunDocs assembles documentation from whatever is already built.
func RunDocs(ctx context.Context) error {
	store, err := NewStore(workDir)
	if err != nil {
		return err
	}
	server, err := startCatalogServer()
	if err != nil {
		return err
	}
	defer server.Stop()

	return assembleDocs(NewSandbox(ctx), store)
}

// RunPlan prints what a build would do without touching the sandbox.
// The plan computation itself invalidates stale artifacts, so this is a
// dry run of the builds, not of the bookkeeping.
func RunPlan(ctx context.Context) error {
	store, err := NewStore(workDir)
	if err != nil {
		return err
	}
	cat, err := loadArchivedCatalogs(store)
	if err != nil {
		return err
	}
	installed, err := store.ReadInstallList()
	if err != nil {
		return fmt.Errorf("no baseline install list; run install first: %w", err)
	}
	plan, err := computePlan(cat, installed, store)
	if err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("%d changed, %d to update, %d to build, %d known failures\n",
		len(plan.Changed), len(plan.Update), len(plan.Need), len(plan.Failed))
	for i, item := range plan.Items {
		if len(item) == 1 {
			cPrintf(colInfo, "%4d  %s\n", i+1, item[0])
		} else {
			cPrintf(colInfo, "%4d  [%s]\n", i+1, strings.Join(item, " "))
		}
	}
	if len(plan.Failed) > 0 {
		cPrintln(colWarn, "Known failures (not retried until their source changes):")
		for _, p := range plan.Failed.sorted() {
			cPrintf(colWarn, "      %s\n", p)
		}
	}
	return nil
}

// RunUpload syncs the built tree to the configured R2 bucket.
func RunUpload(ctx context.Context, cfg *Config) error {
	m, err := newMirror(cfg)
	if err != nil {
		return err
	}
	return uploadMirror(ctx, m)
}

// VersionString reports the build stamp for the version command.
func VersionString() string {
	return fmt.Sprintf("rktbuild %s (built %s)", version, buildDate)
}
