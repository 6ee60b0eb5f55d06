package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/features"
	"github.com/northwind-analytics/custintel/internal/orchestration"
	"github.com/northwind-analytics/custintel/internal/promotion"
	"github.com/northwind-analytics/custintel/internal/safeguards"
	"github.com/northwind-analytics/custintel/internal/snapshot"
)

const usage = `usage: custintel <command> [flags]

commands:
  run                        execute one pipeline run
  status                     show the latest snapshot and active kill switches
  kill-switch activate       activate a kill switch
  kill-switch deactivate     deactivate a kill switch by id
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	var exitErr error
	switch os.Args[1] {
	case "run":
		exitErr = runPipeline(os.Args[2:], logger)
	case "status":
		exitErr = showStatus(os.Args[2:], logger)
	case "kill-switch":
		exitErr = killSwitch(os.Args[2:], logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if exitErr != nil {
		logger.Fatal("command failed", zap.Error(exitErr))
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("CUSTINTEL_ENVIRONMENT") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "", "path to YAML configuration")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*configPath)
}

func runPipeline(args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := orchestration.New(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	summary, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("run complete: snapshot_date=%s features_rebuilt=%v retrained=%v\n",
		summary.SnapshotDate, summary.FeaturesRebuilt, summary.Retrained)
	for family, reason := range summary.Promotions {
		fmt.Printf("  %s: %s\n", family, reason)
	}
	return nil
}

func showStatus(args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	reader := snapshot.NewReader(cfg.SnapshotDir())
	tbl, date, err := reader.Latest()
	if err != nil {
		return err
	}
	if tbl == nil {
		fmt.Println("no snapshot materialized yet")
	} else {
		fmt.Printf("latest snapshot: %s (%d customers)\n", date, tbl.NumRows())
	}

	for _, family := range features.Families {
		champion, err := promotion.LoadChampion(cfg.ChampionPath(family))
		if err != nil {
			return err
		}
		if champion == nil {
			fmt.Printf("%s: no champion\n", family)
			continue
		}
		fmt.Printf("%s: champion v%d promoted %s\n",
			family, champion.Version, champion.PromotedAt.Format("2006-01-02"))
	}

	switches, err := safeguards.NewManager(cfg.KillSwitchPath(), logger)
	if err != nil {
		return err
	}
	active := switches.ActiveSwitches()
	if len(active) == 0 {
		fmt.Println("no active kill switches")
		return nil
	}
	fmt.Println("active kill switches:")
	for _, s := range active {
		fmt.Printf("  %s  scope=%s target=%s reason=%q by=%s at=%s\n",
			s.ID, s.Scope, s.Target, s.Reason, s.ActivatedBy, s.ActivatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func killSwitch(args []string, logger *zap.Logger) error {
	if len(args) < 1 {
		return fmt.Errorf("kill-switch requires activate or deactivate")
	}
	action := args[0]
	fs := flag.NewFlagSet("kill-switch "+action, flag.ExitOnError)
	scope := fs.String("scope", "", "switch scope (model_version, model_type, inference_endpoint, customer_segment, geographic_region, downstream_consumer)")
	target := fs.String("target", "", "switch target")
	reason := fs.String("reason", "", "why the switch is being activated")
	actor := fs.String("actor", "", "who is operating the switch")
	id := fs.String("id", "", "switch id (deactivate)")
	note := fs.String("note", "", "resolution note (deactivate)")
	configPath := fs.String("config", "", "path to YAML configuration")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	switches, err := safeguards.NewManager(cfg.KillSwitchPath(), logger)
	if err != nil {
		return err
	}

	switch action {
	case "activate":
		sw, err := switches.Activate(safeguards.Scope(*scope), *target, *reason, *actor)
		if err != nil {
			return err
		}
		fmt.Printf("activated %s\n", sw.ID)
		return nil
	case "deactivate":
		if err := switches.Deactivate(*id, *actor, *note); err != nil {
			return err
		}
		fmt.Printf("deactivated %s\n", *id)
		return nil
	default:
		return fmt.Errorf("unknown kill-switch action %q", action)
	}
}
