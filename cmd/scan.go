package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/carscan/internal/chat"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

func newScanCmd() *cobra.Command {
	var report string
	cmd := &cobra.Command{
		Use:   "scan <number>",
		Short: "Checks one plate number or VIN and prints the record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanCommand(cmd, args[0], vehicle.ReportType(report))
		},
	}
	cmd.Flags().StringVar(&report, "report", string(vehicle.ReportFull), "report type: full or identity")
	return cmd
}

func runScanCommand(cmd *cobra.Command, number string, report vehicle.ReportType) error {
	if report != vehicle.ReportFull && report != vehicle.ReportIdentity {
		return fmt.Errorf("unknown report type %q", report)
	}
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	msgs, err := appInstance.Scan(cmd.Context(), number, report)
	printMessages(cmd, msgs)
	if err != nil {
		return fmt.Errorf("scan %s: %w", number, err)
	}
	return nil
}

func printMessages(cmd *cobra.Command, msgs []chat.Message) {
	out := cmd.OutOrStdout()
	for _, m := range msgs {
		if m.Text != "" {
			fmt.Fprintln(out, m.Text)
		}
		if len(m.Images) > 0 {
			fmt.Fprintf(out, "%s: %s\n", m.Caption, strings.Join(m.Images, ", "))
		}
	}
}
