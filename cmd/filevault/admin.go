package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/filevault/filevault/pkg/bytesize"
)

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage vault users",
	}

	var name, email, quota string
	addCmd := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Register a user (or update an existing one)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			svc, _, err := openVault()
			if err != nil {
				return err
			}
			var quotaBytes int64
			if quota != "" {
				quotaBytes, err = bytesize.Parse(quota)
				if err != nil {
					return fmt.Errorf("invalid quota: %w", err)
				}
			}
			a, err := svc.Ledger().Register(args[0], name, email, quotaBytes)
			if err != nil {
				return err
			}
			fmt.Printf("User %s registered (quota %s)\n", a.UserID, bytesize.Format(a.QuotaBytes))
			return nil
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "display name")
	addCmd.Flags().StringVar(&email, "email", "", "email address")
	addCmd.Flags().StringVar(&quota, "quota", "", "logical quota (e.g. 10GB, 0 = default)")
	userCmd.AddCommand(addCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users with their storage accounting",
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, _, err := openVault()
			if err != nil {
				return err
			}
			accounts := svc.Ledger().List()
			if len(accounts) == 0 {
				fmt.Println("No users registered")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "USER\tNAME\tQUOTA\tLOGICAL\tPHYSICAL\tSAVED")
			for _, a := range accounts {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s (%.1f%%)\n",
					a.UserID, a.Name,
					bytesize.Format(a.QuotaBytes),
					bytesize.Format(a.LogicalBytes),
					bytesize.Format(a.PhysicalBytes),
					bytesize.Format(a.SavingsBytes()), a.SavingsPercent())
			}
			_ = w.Flush()
			return nil
		},
	}
	userCmd.AddCommand(listCmd)

	return userCmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage and dedup statistics",
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, _, err := openVault()
			if err != nil {
				return err
			}

			if actingUser != "" {
				a, err := svc.Ledger().Get(actingUser)
				if err != nil {
					return err
				}
				fmt.Printf("User %s:\n", a.UserID)
				fmt.Printf("  Quota:    %s\n", bytesize.Format(a.QuotaBytes))
				fmt.Printf("  Logical:  %s\n", bytesize.Format(a.LogicalBytes))
				fmt.Printf("  Physical: %s\n", bytesize.Format(a.PhysicalBytes))
				fmt.Printf("  Saved:    %s (%.1f%%)\n", bytesize.Format(a.SavingsBytes()), a.SavingsPercent())
				return nil
			}

			report := svc.AdminListFiles("name", "asc", 0, 0)
			fmt.Printf("Vault:\n")
			fmt.Printf("  Files:    %d\n", report.TotalCount)
			fmt.Printf("  Logical:  %s\n", bytesize.Format(report.TotalLogicalBytes))
			fmt.Printf("  Physical: %s\n", bytesize.Format(report.TotalPhysicalBytes))
			fmt.Printf("  Saved:    %s (%.1f%%)\n", bytesize.Format(report.SavingsBytes), report.SavingsPercent)
			if report.VolumeTotalBytes > 0 {
				fmt.Printf("Volume:\n")
				fmt.Printf("  Total:     %s\n", bytesize.Format(report.VolumeTotalBytes))
				fmt.Printf("  Used:      %s\n", bytesize.Format(report.VolumeUsedBytes))
				fmt.Printf("  Available: %s\n", bytesize.Format(report.VolumeAvailableBytes))
			}
			return nil
		},
	}
}

func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "System-wide administration",
	}

	var sortBy, sortOrder string
	var offset, limit int
	filesCmd := &cobra.Command{
		Use:   "files",
		Short: "List every file in the system with dedup info",
		RunE: func(_ *cobra.Command, _ []string) error {
			svc, _, err := openVault()
			if err != nil {
				return err
			}
			report := svc.AdminListFiles(sortBy, sortOrder, offset, limit)
			if len(report.Files) == 0 {
				fmt.Println("No files stored")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "FILE\tOWNER\tSIZE\tREFS\tDOWNLOADS\tUPLOADED\tID")
			for _, r := range report.Files {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					r.Filename, r.OwnerID,
					bytesize.Format(r.LogicalSize), r.RefCount, r.DownloadCount,
					r.UploadedAt.Format("2006-01-02"), r.FileID)
			}
			_ = w.Flush()
			fmt.Printf("\n%d file(s), %s logical on %s physical (saved %s)\n",
				report.TotalCount,
				bytesize.Format(report.TotalLogicalBytes),
				bytesize.Format(report.TotalPhysicalBytes),
				bytesize.Format(report.SavingsBytes))
			return nil
		},
	}
	filesCmd.Flags().StringVar(&sortBy, "sort", "name", "sort by name, size, date or owner")
	filesCmd.Flags().StringVar(&sortOrder, "order", "asc", "sort order: asc or desc")
	filesCmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	filesCmd.Flags().IntVar(&limit, "limit", 0, "pagination limit (0 = all)")
	adminCmd.AddCommand(filesCmd)

	return adminCmd
}
