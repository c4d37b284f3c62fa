//go:build ignore

// build.go - Clean Helmet kiosk build script
// Usage: go run build.go [-target=TARGET] [-v]
// Targets: kiosk, test, release, clean

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const module = "cleanhelmet"

var distDir = "dist"

func main() {
	target := flag.String("target", "kiosk", "Build target")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	start := time.Now()
	var err error
	switch *target {
	case "kiosk":
		err = buildKiosk("", "", *verbose)
	case "test":
		err = runGo(*verbose, nil, "test", "-race", "./...")
	case "release":
		// kiosk panels run on arm64 boards
		if err = clean(); err == nil {
			err = buildKiosk("linux", "arm64", *verbose)
		}
	case "clean":
		err = clean()
	default:
		fmt.Fprintf(os.Stderr, "unknown target %q (kiosk, test, release, clean)\n", *target)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[OK] %s completed in %s\n", *target, time.Since(start).Round(time.Millisecond))
}

func buildKiosk(goos, goarch string, verbose bool) error {
	name := "kiosk"
	if goos != "" {
		name = fmt.Sprintf("kiosk-%s-%s", goos, goarch)
	}
	out := filepath.Join(distDir, name)

	ldflags := fmt.Sprintf("-s -w -X %s/internal/app.BuildTime=%s", module, time.Now().UTC().Format(time.RFC3339))
	env := []string{"CGO_ENABLED=0"}
	if goos != "" {
		env = append(env, "GOOS="+goos, "GOARCH="+goarch)
	}

	if err := runGo(verbose, env, "build", "-trimpath", "-ldflags", ldflags, "-o", out, "./cmd/kiosk"); err != nil {
		return fmt.Errorf("build %s: %w", name, err)
	}
	if info, err := os.Stat(out); err == nil {
		fmt.Printf("[OK] built %s (%.1f MB)\n", out, float64(info.Size())/1024/1024)
	}
	return nil
}

func runGo(verbose bool, env []string, args ...string) error {
	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = os.Stderr
	if verbose {
		fmt.Printf("go %s\n", strings.Join(args, " "))
		cmd.Stdout = os.Stdout
	}
	return cmd.Run()
}

func clean() error {
	return os.RemoveAll(distDir)
}
