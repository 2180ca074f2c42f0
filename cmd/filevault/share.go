package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func newShareCmd() *cobra.Command {
	shareCmd := &cobra.Command{
		Use:   "share",
		Short: "Manage file sharing",
		Long: `Manage who a file is shared with.

Setting shares replaces the full grantee list: users named get read
access, users omitted lose it. Sharing never charges the grantee's
quota; only the owner pays for the file.

Examples:
  # Share a file with two users (replaces any previous grants):
  filevault share set docs/report.pdf --with bob,carol --user alice

  # Show sharing state and the signed share URL:
  filevault share info docs/report.pdf --user alice

  # Revoke all access:
  filevault share clear docs/report.pdf --user alice`,
	}

	var with []string
	setCmd := &cobra.Command{
		Use:   "set <file-id-or-path>",
		Short: "Replace the share list of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			svc, _, err := openVault()
			if err != nil {
				return err
			}
			fileID, err := resolveFile(svc, user, args[0])
			if err != nil {
				return err
			}
			if err := svc.SetShares(fileID, user, with); err != nil {
				return err
			}
			fmt.Printf("Shared %s with %d user(s)\n", args[0], len(with))
			return nil
		},
	}
	setCmd.Flags().StringSliceVar(&with, "with", nil, "comma-separated user IDs to share with")
	shareCmd.AddCommand(setCmd)

	clearCmd := &cobra.Command{
		Use:   "clear <file-id-or-path>",
		Short: "Revoke all share grants on a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			svc, _, err := openVault()
			if err != nil {
				return err
			}
			fileID, err := resolveFile(svc, user, args[0])
			if err != nil {
				return err
			}
			if err := svc.SetShares(fileID, user, nil); err != nil {
				return err
			}
			fmt.Printf("Cleared all shares on %s\n", args[0])
			return nil
		},
	}
	shareCmd.AddCommand(clearCmd)

	var showQR bool
	infoCmd := &cobra.Command{
		Use:   "info <file-id-or-path>",
		Short: "Show sharing state and share URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			svc, _, err := openVault()
			if err != nil {
				return err
			}
			fileID, err := resolveFile(svc, user, args[0])
			if err != nil {
				return err
			}
			info, err := svc.GetShareInfo(fileID, user)
			if err != nil {
				return err
			}

			if len(info.SharedWith) == 0 {
				fmt.Println("Not shared with anyone")
			} else {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "USER\tNAME\tEMAIL")
				for _, a := range info.SharedWith {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", a.UserID, a.Name, a.Email)
				}
				_ = w.Flush()
			}

			if info.ShareURL != "" {
				fmt.Printf("\nShare URL: %s\n", info.ShareURL)
				if showQR {
					qr, err := qrcode.New(info.ShareURL, qrcode.Medium)
					if err != nil {
						return err
					}
					fmt.Println(qr.ToSmallString(false))
				}
			}
			return nil
		},
	}
	infoCmd.Flags().BoolVar(&showQR, "qr", false, "print the share URL as a QR code")
	shareCmd.AddCommand(infoCmd)

	return shareCmd
}
