package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/penbox/internal/storage"
)

var (
	blobLimitFlag  int
	blobOutputFlag string
)

var blobsCmd = &cobra.Command{
	Use:     "blobs",
	Aliases: []string{"blob", "b"},
	Short:   "Manage stored source blobs",
}

var blobsPutCmd = &cobra.Command{
	Use:   "put <file|->",
	Short: "Store a file as a blob and print its hash",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlobsPut,
}

var blobsGetCmd = &cobra.Command{
	Use:   "get <hash>",
	Short: "Print a stored blob",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlobsGet,
}

var blobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored blobs, newest first",
	RunE:  runBlobsList,
}

func init() {
	rootCmd.AddCommand(blobsCmd)
	blobsCmd.AddCommand(blobsPutCmd, blobsGetCmd, blobsListCmd)

	blobsGetCmd.Flags().StringVarP(&blobOutputFlag, "output", "o", "", "Output file (default: stdout)")
	blobsListCmd.Flags().IntVar(&blobLimitFlag, "limit", 20, "Max blobs to show")
}

func withStore(fn func(ctx context.Context, store storage.Store) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(context.Background(), store)
}

func runBlobsPut(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("refusing to store an empty blob")
	}

	return withStore(func(ctx context.Context, store storage.Store) error {
		blob := storage.NewBlob(data)
		if err := store.PutBlob(ctx, blob); err != nil {
			return err
		}
		fmt.Println(blob.Hash)
		return nil
	})
}

func runBlobsGet(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		blob, err := store.GetBlob(ctx, args[0])
		if err != nil {
			return err
		}
		if blobOutputFlag != "" {
			return os.WriteFile(blobOutputFlag, blob.Data, 0o644)
		}
		_, err = os.Stdout.Write(blob.Data)
		return err
	})
}

func runBlobsList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		blobs, err := store.ListBlobs(ctx, blobLimitFlag)
		if err != nil {
			return err
		}
		if len(blobs) == 0 {
			fmt.Println("No blobs found.")
			return nil
		}

		fmt.Printf("%-14s %-8s %10s  %s\n", "HASH", "TYPE", "SIZE", "CREATED")
		fmt.Println(strings.Repeat("─", 50))
		for _, b := range blobs {
			fmt.Printf("%-14s %-8s %10d  %s\n", b.Hash[:12], b.Type, b.Size, timeAgo(b.CreatedAt))
		}
		return nil
	})
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
