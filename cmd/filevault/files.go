package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/filevault/filevault/internal/vault"
	"github.com/filevault/filevault/pkg/bytesize"
)

// resolveFolderPath walks a slash-separated folder path under the user's
// root, optionally creating missing segments. Nil means the root.
func resolveFolderPath(svc *vault.Service, userID, p string, create bool) (*uuid.UUID, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return nil, nil
	}

	var parentID *uuid.UUID
	for _, seg := range strings.Split(p, "/") {
		var found *vault.Folder
		for _, f := range svc.Tree().Children(userID, parentID) {
			if f.Name == seg {
				found = f
				break
			}
		}
		if found == nil {
			if !create {
				return nil, fmt.Errorf("folder %q: %w", seg, vault.ErrNotFound)
			}
			var err error
			found, err = svc.CreateFolder(userID, seg, parentID)
			if err != nil {
				return nil, err
			}
		}
		id := found.ID
		parentID = &id
	}
	return parentID, nil
}

// resolveFile accepts either a file ID or a slash path like docs/report.pdf.
func resolveFile(svc *vault.Service, userID, arg string) (uuid.UUID, error) {
	if id, err := uuid.Parse(arg); err == nil {
		return id, nil
	}

	dir, name := path.Split(path.Clean("/" + arg))
	folderID, err := resolveFolderPath(svc, userID, dir, false)
	if err != nil {
		return uuid.Nil, err
	}
	res, err := svc.ListFolder(userID, folderID, vault.ListOptions{})
	if err != nil {
		return uuid.Nil, err
	}
	for _, it := range res.Items {
		if it.ItemType == vault.ItemTypeFile && it.Name == name {
			return it.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("file %q: %w", arg, vault.ErrNotFound)
}

func newUploadCmd() *cobra.Command {
	var folderPath, asName, mime string
	cmd := &cobra.Command{
		Use:   "upload <local-file>",
		Short: "Upload a file into the vault",
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

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			folderID, err := resolveFolderPath(svc, user, folderPath, true)
			if err != nil {
				return err
			}
			name := asName
			if name == "" {
				name = path.Base(strings.ReplaceAll(args[0], "\\", "/"))
			}

			entry, err := svc.Upload(context.Background(), user, name, f, mime, folderID)
			if err != nil {
				return err
			}

			fmt.Printf("Uploaded %s (%s)\n", entry.Filename, bytesize.Format(entry.LogicalSize))
			fmt.Printf("  ID:   %s\n", entry.ID)
			fmt.Printf("  Hash: %s\n", entry.ContentHash)
			return nil
		},
	}
	cmd.Flags().StringVarP(&folderPath, "folder", "f", "", "destination folder path (created if missing)")
	cmd.Flags().StringVar(&asName, "name", "", "store under a different filename")
	cmd.Flags().StringVar(&mime, "content-type", "", "declared content type (sniffed if omitted)")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "download <file-id-or-path>",
		Short: "Download a file from the vault",
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

			rc, entry, err := svc.Download(context.Background(), fileID, user)
			if err != nil {
				return err
			}
			defer func() { _ = rc.Close() }()

			out := outPath
			if out == "" {
				out = entry.Filename
			}
			var w io.Writer
			if out == "-" {
				w = os.Stdout
			} else {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}

			n, err := io.Copy(w, rc)
			if err != nil {
				return err
			}
			if out != "-" {
				fmt.Printf("Downloaded %s (%s) to %s\n", entry.Filename, bytesize.Format(n), out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output path (- for stdout)")
	return cmd
}

func newLsCmd() *cobra.Command {
	var (
		search, contentType  string
		sortBy, sortOrder    string
		sharedOnly, allFiles bool
	)
	cmd := &cobra.Command{
		Use:   "ls [folder-path]",
		Short: "List vault contents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			svc, _, err := openVault()
			if err != nil {
				return err
			}

			opts := vault.ListOptions{
				Search:      search,
				ContentType: contentType,
				SortBy:      sortBy,
				SortOrder:   sortOrder,
			}
			if sharedOnly {
				opts.Ownership = vault.OwnershipSharedWithMe
			}

			var res vault.ListResult
			if allFiles {
				res = svc.ListVisible(user, opts)
			} else {
				folderPath := ""
				if len(args) > 0 {
					folderPath = args[0]
				}
				folderID, err := resolveFolderPath(svc, user, folderPath, false)
				if err != nil {
					return err
				}
				res, err = svc.ListFolder(user, folderID, opts)
				if err != nil {
					return err
				}
			}

			if len(res.Items) == 0 {
				fmt.Println("No items found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "TYPE\tNAME\tSIZE\tUPLOADED\tOWNED\tID")
			for _, it := range res.Items {
				size := "-"
				if it.Size != nil {
					size = bytesize.Format(*it.Size)
				}
				owned := "yes"
				if !it.UserOwnsFile {
					owned = "shared"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					it.ItemType, it.Name, size,
					it.UploadedAt.Format("2006-01-02 15:04"), owned, it.ID)
			}
			_ = w.Flush()
			fmt.Printf("\n%d item(s)\n", res.TotalCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "filter by name substring")
	cmd.Flags().StringVar(&contentType, "type", "", "filter by content type (exact or prefix like image/)")
	cmd.Flags().StringVar(&sortBy, "sort", "name", "sort by name, size or date")
	cmd.Flags().StringVar(&sortOrder, "order", "asc", "sort order: asc or desc")
	cmd.Flags().BoolVar(&sharedOnly, "shared", false, "only files shared with you")
	cmd.Flags().BoolVarP(&allFiles, "all", "a", false, "flat listing of every visible file")
	return cmd
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <folder-path>",
		Short: "Create a folder (and any missing parents)",
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
			if _, err := resolveFolderPath(svc, user, args[0], true); err != nil {
				return err
			}
			fmt.Printf("Created %s\n", args[0])
			return nil
		},
	}
}

func newMvCmd() *cobra.Command {
	var folder bool
	cmd := &cobra.Command{
		Use:   "mv <file-or-folder> <dest-folder-path>",
		Short: "Move a file or folder into another folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			svc, _, err := openVault()
			if err != nil {
				return err
			}
			destID, err := resolveFolderPath(svc, user, args[1], false)
			if err != nil {
				return err
			}

			if folder {
				srcID, err := resolveFolderPath(svc, user, args[0], false)
				if err != nil {
					return err
				}
				if srcID == nil {
					return fmt.Errorf("cannot move the root folder")
				}
				if _, err := svc.MoveFolder(*srcID, user, destID); err != nil {
					return err
				}
			} else {
				fileID, err := resolveFile(svc, user, args[0])
				if err != nil {
					return err
				}
				if _, err := svc.Move(fileID, user, destID); err != nil {
					return err
				}
			}
			fmt.Printf("Moved %s to %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&folder, "folder", false, "move a folder instead of a file")
	return cmd
}

func newRenameCmd() *cobra.Command {
	var folder bool
	cmd := &cobra.Command{
		Use:   "rename <file-or-folder> <new-name>",
		Short: "Rename a file or folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			user, err := requireUser()
			if err != nil {
				return err
			}
			svc, _, err := openVault()
			if err != nil {
				return err
			}

			if folder {
				srcID, err := resolveFolderPath(svc, user, args[0], false)
				if err != nil {
					return err
				}
				if srcID == nil {
					return fmt.Errorf("cannot rename the root folder")
				}
				if _, err := svc.RenameFolder(*srcID, user, args[1]); err != nil {
					return err
				}
			} else {
				fileID, err := resolveFile(svc, user, args[0])
				if err != nil {
					return err
				}
				if _, err := svc.Rename(fileID, user, args[1]); err != nil {
					return err
				}
			}
			fmt.Printf("Renamed %s to %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&folder, "folder", false, "rename a folder instead of a file")
	return cmd
}

func newRmCmd() *cobra.Command {
	var folder bool
	cmd := &cobra.Command{
		Use:   "rm <file-or-folder>",
		Short: "Delete a file, or a folder and everything under it",
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

			if folder {
				srcID, err := resolveFolderPath(svc, user, args[0], false)
				if err != nil {
					return err
				}
				if srcID == nil {
					return fmt.Errorf("cannot delete the root folder")
				}
				if err := svc.DeleteFolder(*srcID, user); err != nil {
					return err
				}
			} else {
				fileID, err := resolveFile(svc, user, args[0])
				if err != nil {
					return err
				}
				if err := svc.Delete(fileID, user); err != nil {
					return err
				}
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&folder, "folder", false, "delete a folder recursively")
	return cmd
}
