package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/serkansokmen/emojispace/internal/config"
)

const defaultConfigPath = "config/emojispace.yaml"

var version = "dev"

func newRootCommand() *cobra.Command {
	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:           "emojispaced",
		Short:         "AR annotation and classification daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newRunCommand(&configPath, &debug))
	rootCmd.AddCommand(newValidateCommand(&configPath))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", *configPath)
			fmt.Fprintf(out, "  instance_id:  %s\n", cfg.InstanceID)
			fmt.Fprintf(out, "  camera:       %dx%d @ %d fps\n", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
			fmt.Fprintf(out, "  classifier:   %s (workers=%d, queue=%d, min_confidence=%.2f)\n",
				cfg.Classifier.Backend, cfg.Classifier.Workers, cfg.Classifier.QueueSize, cfg.Classifier.MinConfidence)
			fmt.Fprintf(out, "  recording:    %s (%s)\n", cfg.Recording.OutputDir, cfg.Recording.Format)
			if cfg.MQTT.Broker != "" {
				fmt.Fprintf(out, "  mqtt:         %s\n", cfg.MQTT.Broker)
			} else {
				fmt.Fprintln(out, "  mqtt:         disabled")
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "emojispaced %s\n", version)
			return nil
		},
	}
}
