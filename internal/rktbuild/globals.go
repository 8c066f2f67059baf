package rktbuild

import (
	"embed"

	"github.com/gookit/color"
)

// Global variables
var (
	workDir         string
	serverDir       string
	archiveDir      string
	builtDir        string
	installerDir    string
	snapshotURL     string
	platformName    string
	extraCatalogs   []string
	vmName          string
	vmHost          string
	vmUser          string
	vmDir           string
	initSnapshot    string
	skipInstall     bool
	skipArchive     bool
	skipBuild       bool
	skipDocs        bool
	cmdTimeout      int
	maxBuildTogether int
	serverPort      int
	Debug           bool
	ConfigFile      = "rktbuild.conf"
	version         = "dev"     // overridden at build time
	buildDate       = "unknown" // overridden at build time
	//go:embed assets/*.rkt
	embeddedScripts embed.FS
)

// The snapshot of the sandbox VM every build starts from.
const installedSnapshot = "installed"

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
