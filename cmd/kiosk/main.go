// kiosk runs the Clean Helmet disinfection kiosk: the touch UI backend,
// the free-cycle ledger, the cycle controller and the sync queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"cleanhelmet/internal/app"
	"cleanhelmet/internal/config"
	"cleanhelmet/internal/middleware"
)

type flags struct {
	configFile string
	dataDir    string
	demo       bool
	adminToken string
	tokenTTL   time.Duration
	version    bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(args []string) error {
	f, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case f.version:
		fmt.Printf("%s %s (build %s, %s)\n", app.AppName, app.VERSION, app.BuildID, app.BuildTime)
		return nil
	case f.adminToken != "":
		return printAdminToken(f)
	}

	application, err := app.NewApplication(app.Options{
		ConfigFile: f.configFile,
		DataDir:    f.dataDir,
		Demo:       f.demo,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run(context.Background())
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("kiosk", pflag.ContinueOnError)
	fs.StringVarP(&f.configFile, "config", "c", "", "path to kiosk.yaml (default: search ./, ./configs, /etc/cleanhelmet)")
	fs.StringVar(&f.dataDir, "data-dir", "", "directory for the database, cookie and exports")
	fs.BoolVar(&f.demo, "demo", false, "run without hardware, commands are only logged")
	fs.StringVar(&f.adminToken, "admin-token", "", "print an admin API token for this operator and exit")
	fs.DurationVar(&f.tokenTTL, "token-ttl", 12*time.Hour, "lifetime of the token printed by --admin-token")
	fs.BoolVar(&f.version, "version", false, "print version and exit")
	fs.SortFlags = false

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, nil
}

func printAdminToken(f flags) error {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return err
	}
	auth, err := middleware.NewJWTAuth(cfg.Admin, nil)
	if err != nil {
		return err
	}
	token, err := auth.Issue(f.adminToken, f.tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
