package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zboralski/tarsier/internal/loader"
	"github.com/zboralski/tarsier/internal/ui/colorize"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "Show how an image maps into the emulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0], false)
			if err != nil {
				return err
			}
			defer s.Close()
			printInfo(cmd.OutOrStdout(), s.Modules()[0], viper.GetBool("color"))
			return nil
		},
	}
}

func newClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes <image>",
		Short: "List the Objective-C classes an image defines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0], false)
			if err != nil {
				return err
			}
			defer s.Close()
			printClasses(cmd.OutOrStdout(), s.Modules()[0], viper.GetBool("color"))
			return nil
		},
	}
}

func paint(on bool, f func(string) string, s string) string {
	if !on {
		return s
	}
	return f(s)
}

func printInfo(w io.Writer, mod *loader.Module, color bool) {
	fmt.Fprintf(w, "%s %s (%s)\n", paint(color, colorize.Header, "▶"), mod.Name, mod.Format)
	fmt.Fprintf(w, "  Base:  0x%x\n", mod.Base)
	fmt.Fprintf(w, "  Size:  0x%x (%s)\n", mod.Size, humanize.IBytes(mod.Size))
	if mod.Entry != 0 {
		fmt.Fprintf(w, "  Entry: 0x%x\n", mod.Addr(mod.Entry))
	}
	fmt.Fprintf(w, "  Symbols: %d  Imports: %d  Classes: %d  Initializers: %d\n\n",
		len(mod.Symbols), len(mod.Imports), len(mod.Classes), len(mod.Initializers))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  SEGMENT\tADDR\tSIZE\tPROT")
	for _, seg := range mod.Segments {
		fmt.Fprintf(tw, "  %s\t0x%x\t0x%x\t%s\n", seg.Name, seg.Addr, seg.Size, seg.Prot)
	}
	tw.Flush()

	if len(mod.Initializers) > 0 {
		fmt.Fprintln(w, "\n  Initializers:")
		for _, off := range mod.Initializers {
			addr := mod.Addr(off)
			name, delta, ok := mod.SymbolAt(addr)
			label := ""
			if ok {
				label = fmt.Sprintf("  %s+0x%x", name, delta)
			}
			fmt.Fprintf(w, "    0x%x%s\n", addr, paint(color, colorize.FuncName, label))
		}
	}
}

func printClasses(w io.Writer, mod *loader.Module, color bool) {
	classes := append([]loader.ClassInfo(nil), mod.Classes...)
	sort.Slice(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })
	for _, c := range classes {
		super := c.Super
		if super == "" {
			super = "NSObject"
		}
		fmt.Fprintf(w, "%s : %s\n", paint(color, colorize.FuncName, c.Name), super)
		for _, m := range c.ClassMethods {
			fmt.Fprintf(w, "  +%s\t%s\n", m.Selector, paint(color, colorize.Detail, fmt.Sprintf("0x%x", mod.Addr(m.Imp))))
		}
		for _, m := range c.Methods {
			fmt.Fprintf(w, "  -%s\t%s\n", m.Selector, paint(color, colorize.Detail, fmt.Sprintf("0x%x", mod.Addr(m.Imp))))
		}
	}
	if len(classes) == 0 {
		fmt.Fprintln(os.Stderr, "no classes")
	}
}
