package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/schoolpsy/psyhelper/internal/app"
	"github.com/schoolpsy/psyhelper/internal/config"
)

const cfgFile = "psyhelper.json"

var (
	showHelp    = flag.Bool("h", false, "Show help")
	version     = flag.Bool("version", false, "Show version")
	openBrowser = flag.Bool("open", false, "Open the API in the browser once it is up")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("psyhelper v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	if command == "version" {
		fmt.Printf("psyhelper v%s\n", appVersion)
		return
	}
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: psyhelper %s <app-directory>\n", command)
		os.Exit(1)
	}

	switch command {
	case "run":
		runCLI(args[1])
	case "sync":
		runSync(args[1])
	case "setup":
		runSetup(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func appDir(arg string, create bool) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid app directory: %v", err)
	}
	if create {
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			log.Fatalf("Create app directory: %v", err)
		}
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("App directory does not exist: %s", absDir)
	}
	return absDir
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLI(dirArg string) {
	absDir := appDir(dirArg, true)

	cfgPath := filepath.Join(absDir, cfgFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if *openBrowser && cfg.Viewer.HTTPAddr != "" {
		_, url, tcpAddr := app.NormalizeLocalAddr(cfg.Viewer.HTTPAddr)
		go func() {
			if err := app.WaitTCP(tcpAddr, 10*time.Second); err != nil {
				log.Printf("API did not come up: %v", err)
				return
			}
			if err := app.OpenBrowser(url + "/api/health"); err != nil {
				log.Printf("Open browser: %v", err)
			}
		}()
	}

	err = app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Progress: func(step, total int, label string) {
			color.New(color.FgCyan).Printf("[%d/%d] ", step, total)
			fmt.Println(label)
		},
	})
	if err != nil {
		log.Fatalf("App failed: %v", err)
	}
}

func runSync(dirArg string) {
	absDir := appDir(dirArg, false)

	cfgPath := filepath.Join(absDir, cfgFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	rep, err := app.Sync(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg})
	if err != nil {
		color.Red("Sync failed: %v", err)
		os.Exit(1)
	}
	color.Green("Sync complete")
	fmt.Printf("  pulled  %d\n", rep.Pulled)
	fmt.Printf("  pushed  %d\n", rep.Pushed)
	fmt.Printf("  removed %d\n", rep.Removed)
	fmt.Printf("  rekeyed %d\n", rep.Rekeyed)
}

func runSetup(dirArg string) {
	absDir := appDir(dirArg, true)

	cfgPath := filepath.Join(absDir, cfgFile)
	cfg, err := config.LoadPartial(cfgPath)
	if err != nil {
		cfg = config.Default()
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Save config: %v", err)
	}
	color.Green("Saved %s", cfgPath)
}

func showUsage() {
	fmt.Println("psyhelper - school psychologist assistant")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  psyhelper run <directory>     Run the app and its HTTP API")
	fmt.Println("  psyhelper sync <directory>    Run one full cloud sync and exit")
	fmt.Println("  psyhelper setup <directory>   Write psyhelper.json interactively")
	fmt.Println("  psyhelper version             Show version information")
	fmt.Println()
	fmt.Println("The directory holds psyhelper.json, the local database and an")
	fmt.Println("optional questions.json. run creates a default config when none exists.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -open     Open the API in the browser (run only)")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %s_CLOUD_URI, %s_SYNC_ENABLED, ... override config keys\n", config.EnvPrefix, config.EnvPrefix)
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	title := color.New(color.FgHiCyan, color.Bold)
	title.Println("╔════════════════════════════════════════════════════════╗")
	title.Println("║                       psyhelper                        ║")
	title.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("App Directory:  %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Cloud:          %s", cfg.Cloud.Driver)
	if cfg.Cloud.Driver == "mongo" {
		fmt.Printf(" (%s)", cfg.Cloud.Database)
	}
	fmt.Println()
	if cfg.Sync.Enabled {
		fmt.Printf("Sync:           every %ds\n", cfg.Sync.IntervalSec)
	} else {
		color.Yellow("Sync:           disabled")
	}
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url, _ := app.NormalizeLocalAddr(cfg.Viewer.HTTPAddr)
		color.New(color.FgGreen).Printf("API:  %s\n", url)
		fmt.Println()
	}

	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
