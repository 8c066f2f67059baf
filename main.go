package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/martindemello/rktbuild/internal/rktbuild"
)

func usage() {
	fmt.Println(`Usage: rktbuild <command>

Commands:
  run       archive, provision, build, and assemble docs
  archive   mirror the snapshot and extra catalogs locally
  install   provision the sandbox baseline from the archive
  build     compute the plan and build what changed
  plan      print what a build would do
  docs      assemble documentation for everything built
  upload    sync the built tree to the R2 bucket
  version   print the version`)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			fmt.Printf("\n[INFO] Received %v. Cancelling gracefully...\n", sig)
			cancel()
			select {
			case <-sigs:
				fmt.Println("\n[FATAL] Second interrupt received. Forcing immediate exit.")
				os.Exit(130)
			case <-time.After(30 * time.Second):
				fmt.Println("\n[FATAL] Shutdown stalled. Forcing immediate exit.")
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "version" {
		fmt.Println(rktbuild.VersionString())
		return
	}

	cfg, err := rktbuild.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		err = rktbuild.RunAll(ctx)
	case "archive":
		err = rktbuild.RunArchive(ctx)
	case "install":
		err = rktbuild.RunInstall(ctx)
	case "build":
		err = rktbuild.RunBuild(ctx)
	case "plan":
		err = rktbuild.RunPlan(ctx)
	case "docs":
		err = rktbuild.RunDocs(ctx)
	case "upload":
		err = rktbuild.RunUpload(ctx, cfg)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
