package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwygoda/intake/internal/config"
	"github.com/cwygoda/intake/internal/domain"
)

var supplierCmd = &cobra.Command{
	Use:   "supplier",
	Short: "Manage suppliers",
}

var supplierAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a supplier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		website, _ := cmd.Flags().GetString("website")
		processor, _ := cmd.Flags().GetString("processor")

		return withService(func(ctx context.Context, cfg *config.Config, svc *domain.BatchService) error {
			if processor != "" && !siteConfigured(cfg, processor) {
				log.WithField("processor", processor).Warn("no site configured for processor yet")
			}
			sup, err := svc.AddSupplier(ctx, args[0], website, processor)
			if err != nil {
				return err
			}
			fmt.Println(sup.ID)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(supplierCmd)
	supplierCmd.AddCommand(supplierAddCmd)
	supplierAddCmd.Flags().String("website", "", "supplier website")
	supplierAddCmd.Flags().String("processor", "", "default scraper for this supplier's batches")
}

func siteConfigured(cfg *config.Config, name string) bool {
	for _, s := range cfg.Sites {
		if s.Name == name {
			return true
		}
	}
	return false
}
