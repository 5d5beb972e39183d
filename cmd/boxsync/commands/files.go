// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/boxsync/cmd/boxsync/cli"
	"github.com/bureau-foundation/boxsync/lib/boxindex"
	"github.com/bureau-foundation/boxsync/lib/syncengine"
)

// openSource opens a local file as an upload source. The caller closes
// the returned file.
func openSource(path string) (*os.File, syncengine.Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, nil, fmt.Errorf("%s is not a regular file", path)
	}
	return file, syncengine.NewSource(file, info.Size()), nil
}

func uploadCommand() *cli.Command {
	var flags boxFlags
	var folder, name string
	return &cli.Command{
		Name:    "upload",
		Summary: "Encrypt and upload files",
		Description: `Encrypt each file, push its chunks to the remote, and record it in
the index. The printed local id names the file in every other command.

An interrupted upload stays Pending; continue it with 'boxsync resume'.`,
		Usage: "boxsync upload [flags] <path>...",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("upload", &flags)
			flagSet.StringVar(&folder, "folder", "", "folder id to upload into (default: root)")
			flagSet.StringVar(&name, "name", "", "display name (default: the file's base name; single file only)")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Upload two files into a folder", Command: "boxsync upload --folder 6f1c... report.pdf notes.txt"},
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("usage: boxsync upload [flags] <path>...")
			}
			if name != "" && len(args) > 1 {
				return fmt.Errorf("--name applies to a single file")
			}
			return flags.withBox(ctx, func(box *openedBox) error {
				var errs []error
				for _, path := range args {
					displayName := name
					if displayName == "" {
						displayName = filepath.Base(path)
					}
					record, err := uploadFile(ctx, box, path, displayName, folder)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", path, err))
						if record != nil {
							fmt.Fprintf(stdout, "%s\t%s\t%s\n", record.LocalID, record.State, path)
						}
						continue
					}
					fmt.Fprintf(stdout, "%s\t%s\t%s\n", record.LocalID, record.State, path)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func uploadFile(ctx context.Context, box *openedBox, path, name, folder string) (*boxindex.FileRecord, error) {
	file, source, err := openSource(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return box.engine.Upload(ctx, source, name, folder)
}

// continueCommand builds resume and retry, which share a shape.
func continueCommand(name, summary, description string, run func(*syncengine.Engine, context.Context, string, syncengine.Source) (*boxindex.FileRecord, error)) *cli.Command {
	var flags boxFlags
	return &cli.Command{
		Name:        name,
		Summary:     summary,
		Description: description,
		Usage:       "boxsync " + name + " [flags] <local-id> <path>",
		Flags: func() *pflag.FlagSet {
			return newFlagSet(name, &flags)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: boxsync %s [flags] <local-id> <path>", name)
			}
			localID, path := args[0], args[1]
			return flags.withBox(ctx, func(box *openedBox) error {
				file, source, err := openSource(path)
				if err != nil {
					return err
				}
				defer file.Close()
				record, err := run(box.engine, ctx, localID, source)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "%s\t%s\n", record.LocalID, record.State)
				return nil
			})
		},
	}
}

func resumeCommand() *cli.Command {
	return continueCommand("resume", "Continue an interrupted upload",
		`Send the chunks of a Pending file that the remote has not confirmed.
The source must be the same file, with the same size, as the original
upload.`,
		(*syncengine.Engine).Resume)
}

func retryCommand() *cli.Command {
	return continueCommand("retry", "Retry a failed or corrupted upload",
		`Reset the unconfirmed chunks of a PermanentlyFailed, Corrupted, or
Pending file and send them again from the source.`,
		(*syncengine.Engine).Retry)
}

func downloadCommand() *cli.Command {
	var flags boxFlags
	var output string
	return &cli.Command{
		Name:    "download",
		Summary: "Download and decrypt a file",
		Description: `Fetch every chunk of a Complete file, verify it, and write the
plaintext. The output appears only after the whole file verified; a
failed download leaves nothing behind. Use -o - for stdout.`,
		Usage: "boxsync download [flags] <local-id>",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("download", &flags)
			flagSet.StringVarP(&output, "output", "o", "", "output path, or - for stdout (default: the display name)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: boxsync download [flags] <local-id>")
			}
			localID := args[0]
			return flags.withBox(ctx, func(box *openedBox) error {
				if output == "-" {
					return box.engine.Download(ctx, localID, stdout)
				}
				path := output
				if path == "" {
					record, err := box.index.Get(localID)
					if err != nil {
						return err
					}
					path = filepath.Base(record.DisplayName)
				}
				return writeVerified(path, func(w io.Writer) error {
					return box.engine.Download(ctx, localID, w)
				})
			})
		},
	}
}

// writeVerified runs write against a temporary file beside path and
// renames it into place only when write succeeds.
func writeVerified(path string, write func(io.Writer) error) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	temporary, err := os.CreateTemp(filepath.Dir(path), ".boxsync-download-*")
	if err != nil {
		return err
	}
	defer os.Remove(temporary.Name())

	if err := write(temporary); err != nil {
		temporary.Close()
		return err
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return err
	}
	if err := temporary.Close(); err != nil {
		return err
	}
	return os.Rename(temporary.Name(), path)
}

func listCommand() *cli.Command {
	var flags boxFlags
	var folder string
	var all bool
	return &cli.Command{
		Name:    "list",
		Summary: "List folders and files in the index",
		Usage:   "boxsync list [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("list", &flags)
			flagSet.StringVar(&folder, "folder", "", "folder id to list (default: root)")
			flagSet.BoolVar(&all, "all", false, "list every file in the box regardless of folder")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("list takes no arguments")
			}
			return flags.withBox(ctx, func(box *openedBox) error {
				tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tSIZE\tCHUNKS\tMODIFIED\tNAME")
				if !all {
					for _, child := range box.index.Folders(folder) {
						fmt.Fprintf(tw, "%s\tfolder\t-\t-\t%s\t%s/\n", child.ID, formatTime(child.CreatedAt), child.Name)
					}
				}
				records := box.index.Files()
				if !all {
					records = box.index.List(folder)
				}
				for _, record := range records {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
						record.LocalID, record.State, record.SizePlain,
						confirmedChunks(record), record.ChunkCount,
						formatTime(record.ModifiedAt), record.DisplayName)
				}
				return tw.Flush()
			})
		},
	}
}

func confirmedChunks(record *boxindex.FileRecord) int {
	return record.ChunkCount - len(record.Unconfirmed())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func mkdirCommand() *cli.Command {
	var flags boxFlags
	var parent string
	return &cli.Command{
		Name:    "mkdir",
		Summary: "Create a folder",
		Description: `Create a folder in the index and print its id. A folder is also a
key scope: files uploaded into it can be shared together.`,
		Usage: "boxsync mkdir [flags] <name>",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("mkdir", &flags)
			flagSet.StringVar(&parent, "parent", "", "parent folder id (default: root)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: boxsync mkdir [flags] <name>")
			}
			return flags.withBox(ctx, func(box *openedBox) error {
				folder, err := box.index.PutFolder(boxindex.FolderRecord{
					ParentID:  parent,
					Name:      args[0],
					CreatedAt: time.Now().UTC(),
				})
				if err != nil {
					return err
				}
				if _, err := box.index.Commit(); err != nil {
					return err
				}
				fmt.Fprintln(stdout, folder.ID)
				return nil
			})
		},
	}
}

func deleteCommand() *cli.Command {
	var flags boxFlags
	var cancel bool
	return &cli.Command{
		Name:    "delete",
		Summary: "Delete files from the box and the remote",
		Description: `Tombstone each file, delete its chunks from the remote, and remove it
from the index. If the remote is unreachable the file stays
tombstoned; 'boxsync cleanup' finishes the job later.

With --cancel, only unfinished (Pending or PermanentlyFailed) uploads
are accepted.`,
		Usage: "boxsync delete [flags] <local-id>...",
		Flags: func() *pflag.FlagSet {
			flagSet := newFlagSet("delete", &flags)
			flagSet.BoolVar(&cancel, "cancel", false, "refuse to delete files that finished uploading")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("usage: boxsync delete [flags] <local-id>...")
			}
			return flags.withBox(ctx, func(box *openedBox) error {
				remove := box.engine.Delete
				if cancel {
					remove = box.engine.Cancel
				}
				var errs []error
				for _, localID := range args {
					if err := remove(ctx, localID); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", localID, err))
						continue
					}
					fmt.Fprintf(stdout, "%s\tdeleted\n", localID)
				}
				return errors.Join(errs...)
			})
		},
	}
}
