package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/polisai/polis-esb/pkg/config"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/engine"
	"github.com/spf13/cobra"
)

// errInvalidRoutes is returned by check when at least one route is rejected.
var errInvalidRoutes = errors.New("routes file has configuration errors")

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Assemble every route and report configuration errors",
		Long: `check parses the routes file and builds each pipeline exactly as serve would,
resolving schemas and stylesheets, without opening any listener.`,
		RunE: runCheck,
	}
	cmd.Flags().String("routes", "", "Routes file (overrides routes_file from the configuration)")
	return cmd
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	path := routesPath(cmd, cfg)
	specs, err := config.LoadRoutes(path)
	if err != nil {
		return err
	}

	if n := checkRoutes(cmd.OutOrStdout(), newCheckBuilder(cfg, logger), specs); n > 0 {
		return fmt.Errorf("%w: %d problem(s) in %s", errInvalidRoutes, n, path)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d route(s) OK\n", path, len(specs))
	return nil
}

// newCheckBuilder returns a builder with the serving stage factory and no
// observers.
func newCheckBuilder(cfg *config.Config, logger *slog.Logger) *engine.Builder {
	return engine.NewBuilder(engine.BuilderConfig{
		Stages: newStageFactory(cfg, logger),
		Logger: logger,
	})
}

// checkRoutes builds every route on its own so all problems are reported in
// one pass, then checks the set as a whole. It returns the problem count.
func checkRoutes(out io.Writer, builder *engine.Builder, specs []domain.RouteSpec) int {
	problems := 0
	for _, spec := range specs {
		p, err := builder.Route(spec)
		if err != nil {
			problems++
			fmt.Fprintf(out, "FAIL %s: %v\n", spec.ID, err)
			continue
		}
		_ = p.Close()
		fmt.Fprintf(out, "ok   %s %s (%d stages)\n", spec.ID, spec.Path, len(spec.Stages))
	}
	if problems > 0 {
		return problems
	}

	pipelines, err := builder.Routes(specs)
	if err != nil {
		fmt.Fprintf(out, "FAIL %v\n", err)
		return 1
	}
	for _, p := range pipelines {
		_ = p.Close()
	}
	return 0
}
