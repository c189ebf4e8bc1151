package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/omnisLee/software-define-network-experiment/controller"
	"github.com/omnisLee/software-define-network-experiment/internal/logging"
	"github.com/omnisLee/software-define-network-experiment/internal/p4rt"
	"github.com/omnisLee/software-define-network-experiment/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// P4InfoPath is the path to the p4info metadata in protobuf text
	// format, as produced by p4c.
	P4InfoPath string
	// PipelinePath is the path to the BMv2 JSON pipeline image.
	PipelinePath string
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "tunnelctl",
	Short: "Controller provisioning tunnel forwarding state and polling tunnel counters",
	RunE: func(rawCmd *cobra.Command, _ []string) error {
		rawCmd.SilenceUsage = true

		if err := run(cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&cmd.P4InfoPath, "p4info", "", "Path to the p4info metadata from p4c (required)")
	rootCmd.Flags().StringVar(&cmd.PipelinePath, "bmv2-json", "", "Path to the BMv2 JSON pipeline image from p4c (required)")
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.MarkFlagRequired("p4info")
	rootCmd.MarkFlagRequired("bmv2-json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	for _, path := range []string{cmd.P4InfoPath, cmd.PipelinePath} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("pipeline input not found: %s (have you compiled the P4 program?)", path)
		}
	}

	cfg := controller.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = controller.LoadConfig(cmd.ConfigPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	schema, err := p4rt.LoadSchema(cmd.P4InfoPath)
	if err != nil {
		return fmt.Errorf("failed to load p4info metadata: %w", err)
	}

	image, err := os.ReadFile(cmd.PipelinePath)
	if err != nil {
		return fmt.Errorf("failed to read pipeline image: %w", err)
	}

	c, err := controller.New(
		cfg,
		image,
		p4rt.NewConnector(schema, log),
		controller.WithLog(log),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize controller: %w", err)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return c.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
