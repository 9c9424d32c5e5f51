// Command opencode-gate runs preflight checks before the orchestrator starts.
//
// Each check prints PASS or FAIL with a reason. The process exits 0 when all
// checks pass and 1 when any fails. The -force flag still reports every
// failure but exits 0, for operators who need to start anyway.
//
// Usage:
//
//	opencode-gate -data-dir ~/.opencode [-config path] [-project-config path] [-force]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/opencode-go/orch/config"
	"github.com/dshills/opencode-go/orch/statefile"
	"github.com/dshills/opencode-go/orch/store"
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("opencode-gate", flag.ContinueOnError)
	fs.SetOutput(out)
	dataDir := fs.String("data-dir", defaultDataDir(), "directory holding the database and sidecar files")
	userConfig := fs.String("config", "", "user config file (optional)")
	projectConfig := fs.String("project-config", "", "project-local config file (optional)")
	force := fs.Bool("force", false, "report failures but exit 0")
	timeout := fs.Duration("timeout", 30*time.Second, "overall deadline for all checks")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	checks := []check{
		{"config loads", func(ctx context.Context) error {
			_, err := config.Load(config.Options{
				UserPath:    *userConfig,
				ProjectPath: *projectConfig,
			})
			return err
		}},
		{"data directory writable", func(ctx context.Context) error {
			if err := os.MkdirAll(*dataDir, 0o755); err != nil {
				return err
			}
			probe := filepath.Join(*dataDir, ".gate-probe.json")
			if err := statefile.WriteJSON(probe, map[string]interface{}{"probe": true}); err != nil {
				return err
			}
			return os.Remove(probe)
		}},
		{"store opens and checkpoints", func(ctx context.Context) error {
			st, err := store.NewSQLiteStore(filepath.Join(*dataDir, "opencode.db"))
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Checkpoint(ctx)
		}},
		{"quota configurations valid", func(ctx context.Context) error {
			st, err := store.NewSQLiteStore(filepath.Join(*dataDir, "opencode.db"))
			if err != nil {
				return err
			}
			defer st.Close()
			configs, err := st.ListQuotaConfigs(ctx)
			if err != nil {
				return err
			}
			for _, qc := range configs {
				if qc.Type != store.QuotaUnlimited && qc.Limit <= 0 {
					return fmt.Errorf("provider %s: non-positive limit %d", qc.Provider, qc.Limit)
				}
				if qc.WarnThreshold >= qc.CriticalThreshold {
					return fmt.Errorf("provider %s: warn threshold %.2f not below critical %.2f",
						qc.Provider, qc.WarnThreshold, qc.CriticalThreshold)
				}
			}
			return nil
		}},
	}

	failures := 0
	for _, c := range checks {
		if err := c.run(ctx); err != nil {
			failures++
			fmt.Fprintf(out, "FAIL  %s: %v\n", c.name, err)
			continue
		}
		fmt.Fprintf(out, "PASS  %s\n", c.name)
	}

	switch {
	case failures == 0:
		fmt.Fprintf(out, "all %d checks passed\n", len(checks))
		return 0
	case *force:
		fmt.Fprintf(out, "%d of %d checks failed (forced: exiting 0)\n", failures, len(checks))
		return 0
	default:
		fmt.Fprintf(out, "%d of %d checks failed\n", failures, len(checks))
		return 1
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opencode"
	}
	return filepath.Join(home, ".opencode")
}
