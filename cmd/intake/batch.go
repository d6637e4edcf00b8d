package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwygoda/intake/internal/config"
	"github.com/cwygoda/intake/internal/domain"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a staging batch",
	Example: `  intake submit --supplier 6f1c... --cookies ~/Downloads/acme-cookies.json
  intake submit --supplier 6f1c... --cookies cookies.json --processor acme-v2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		supplier, _ := cmd.Flags().GetString("supplier")
		cookieFile, _ := cmd.Flags().GetString("cookies")
		processor, _ := cmd.Flags().GetString("processor")
		kind, _ := cmd.Flags().GetString("kind")
		notes, _ := cmd.Flags().GetString("notes")

		req := domain.SubmitRequest{
			Kind:          domain.BatchKind(kind),
			ProcessorName: processor,
			Notes:         notes,
		}
		if supplier != "" {
			id, err := uuid.Parse(supplier)
			if err != nil {
				return fmt.Errorf("invalid supplier ID: %w", err)
			}
			req.SupplierID = uuid.NullUUID{UUID: id, Valid: true}
		}
		if cookieFile != "" {
			data, err := os.ReadFile(config.ExpandPath(cookieFile))
			if err != nil {
				return err
			}
			req.CookieData = string(data)
		}

		return withService(func(ctx context.Context, _ *config.Config, svc *domain.BatchService) error {
			b, err := svc.Submit(ctx, req)
			if err != nil {
				return err
			}
			fmt.Println(b.ID)
			return nil
		})
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <batch-id>",
	Short: "Queue a failed or cancelled batch again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transition(args[0], (*domain.BatchService).Requeue)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Withdraw a queued batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transition(args[0], (*domain.BatchService).Cancel)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show a batch and its scraped orders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid batch ID: %w", err)
		}
		return withService(func(ctx context.Context, _ *config.Config, svc *domain.BatchService) error {
			b, err := svc.Get(ctx, id)
			if err != nil {
				return err
			}
			orders, err := svc.Orders(ctx, id)
			if err != nil {
				return err
			}
			printBatch(b, orders)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(submitCmd, requeueCmd, cancelCmd, statusCmd)
	submitCmd.Flags().String("supplier", "", "supplier ID")
	submitCmd.Flags().String("cookies", "", "path to a captured cookie file (JSON)")
	submitCmd.Flags().String("processor", "", "scraper to use (defaults to the supplier's)")
	submitCmd.Flags().String("kind", string(domain.KindWebScrape), "batch kind: web_scrape or bulk_upload")
	submitCmd.Flags().String("notes", "", "free-form notes")
}

func transition(arg string, fn func(*domain.BatchService, context.Context, uuid.UUID) (*domain.StagingBatch, error)) error {
	id, err := uuid.Parse(arg)
	if err != nil {
		return fmt.Errorf("invalid batch ID: %w", err)
	}
	return withService(func(ctx context.Context, _ *config.Config, svc *domain.BatchService) error {
		b, err := fn(svc, ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", b.ID, b.Status)
		return nil
	})
}

func printBatch(b *domain.StagingBatch, orders []domain.StagingPurchaseOrder) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\t%s\n", b.ID)
	fmt.Fprintf(tw, "Status\t%s\n", b.Status)
	fmt.Fprintf(tw, "Kind\t%s\n", b.Kind)
	if b.SupplierID.Valid {
		fmt.Fprintf(tw, "Supplier\t%s\n", b.SupplierID.UUID)
	}
	if b.ProcessorName != "" {
		fmt.Fprintf(tw, "Processor\t%s\n", b.ProcessorName)
	}
	fmt.Fprintf(tw, "Created\t%s\n", b.CreatedAt.Local().Format(time.DateTime))
	if b.StartedAt != nil {
		fmt.Fprintf(tw, "Started\t%s\n", b.StartedAt.Local().Format(time.DateTime))
	}
	if b.CompletedAt != nil {
		fmt.Fprintf(tw, "Completed\t%s\n", b.CompletedAt.Local().Format(time.DateTime))
	}
	if b.ErrorMessage != "" {
		fmt.Fprintf(tw, "Error\t%s\n", b.ErrorMessage)
	}
	tw.Flush()

	if len(orders) == 0 {
		return
	}
	fmt.Println()
	tw = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tITEMS\tERROR")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", o.ExternalID, len(o.Items), o.Error)
	}
	tw.Flush()
}
