package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zboralski/tarsier/internal/download"
)

func newFetchCmd() *cobra.Command {
	var (
		proxy  string
		sha256 string
		quiet  bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <url> <dest>",
		Short: "Download a binary unless it is already present",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []download.Option{download.WithProxy(proxy), download.WithSHA256(sha256)}
			if !quiet {
				opts = append(opts, download.WithProgress(os.Stderr))
			}
			return download.Retrieve(cmd.Context(), args[0], args[1], opts...)
		},
	}
	cmd.Flags().StringVar(&proxy, "proxy", "", "HTTP proxy (default from the environment)")
	cmd.Flags().StringVar(&sha256, "sha256", "", "expected SHA-256 of the file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no progress bar")
	return cmd
}
