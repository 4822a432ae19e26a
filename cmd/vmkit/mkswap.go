package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/blockio"
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/mem/swap"
	"github.com/spf13/cobra"
)

func newMkswapCmd() *cobra.Command {
	var (
		format string
		size   string
		bad    []uint64
	)

	cmd := &cobra.Command{
		Use:   "mkswap PATH",
		Short: "Create a file holding an empty swap area.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			numPages, err := sizeToPages(size)
			if err != nil {
				return err
			}

			hdr, err := formatHeader(format, numPages, bad)
			if err != nil {
				return err
			}

			if err := writeSwapFile(args[0], numPages, hdr); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"Setting up swapspace (%s), size = %d KiB, %d bad pages\n",
				format, (numPages-1)*phys.PageSize>>10, len(bad))

			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "v2", "header format: v2 or legacy")
	cmd.Flags().StringVar(&size, "size", "16M", "size of the swap file")
	cmd.Flags().Uint64SliceVar(&bad, "bad", nil, "slots to mark unusable")

	return cmd
}

func formatHeader(format string, numPages uint64, bad []uint64) ([]byte, error) {
	switch format {
	case "v2":
		return swap.FormatV2Header(numPages, bad)
	case "legacy":
		return swap.FormatLegacyHeader(numPages, bad)
	}

	return nil, errors.Newf("unknown swap format %q", format)
}

func writeSwapFile(path string, numPages uint64, hdr []byte) error {
	f, err := blockio.CreateFile(path, numPages)
	if err != nil {
		return err
	}

	if err := f.WritePage(0, hdr); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing header of %s", path)
	}

	return f.Close()
}

func newSwapinfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "swapinfo PATH",
		Short: "Describe the swap area in a file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := blockio.OpenFile(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			page := make([]byte, phys.PageSize)
			if err := f.ReadPage(0, page); err != nil {
				return errors.Wrapf(err, "reading header of %s", args[0])
			}

			hdr, err := swap.ParseHeader(page, f.NumPages())
			if err != nil {
				return err
			}

			usable := hdr.NumUsable()
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "format:       %s\n", hdr.Format)
			fmt.Fprintf(out, "pages:        %d\n", f.NumPages())
			fmt.Fprintf(out, "usable slots: %d\n", usable)
			fmt.Fprintf(out, "last slot:    %d\n", len(hdr.Usable)-1)
			fmt.Fprintf(out, "bad slots:    %d\n",
				uint64(len(hdr.Usable))-1-usable)
			fmt.Fprintf(out, "writable:     %t\n", f.Writable())

			return nil
		},
	}
}
