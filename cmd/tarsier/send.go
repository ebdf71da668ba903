package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zboralski/tarsier"
	"github.com/zboralski/tarsier/internal/intercept"
	"github.com/zboralski/tarsier/internal/ui/colorize"
)

type sendOptions struct {
	init   bool
	retval []string
	skip   []string
}

func newSendCmd() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send <image> <class|0xaddr> <selector> [args...]",
		Short: "Send a message with string arguments and print the result",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0], opts.init)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := installHooks(s, opts); err != nil {
				return err
			}
			receiver, err := parseReceiver(args[1])
			if err != nil {
				return err
			}
			sendArgs := make([]any, len(args)-3)
			for i, a := range args[3:] {
				sendArgs[i] = a
			}
			return s.WithAutoreleasePool(func() error {
				ref, err := s.MsgSend(receiver, args[2], sendArgs...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), describe(s, ref, viper.GetBool("color")))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&opts.init, "init", false, "run the image's initializers after loading")
	cmd.Flags().StringArrayVar(&opts.retval, "retval", nil, "make trigger return a value: 'trigger=value'")
	cmd.Flags().StringArrayVar(&opts.skip, "skip", nil, "return from trigger without touching X0")
	return cmd
}

// installHooks registers the --retval and --skip interceptors.
func installHooks(s *tarsier.Session, opts sendOptions) error {
	for _, spec := range opts.retval {
		i := strings.LastIndexByte(spec, '=')
		if i < 0 {
			return fmt.Errorf("--retval %q: want trigger=value", spec)
		}
		t, err := intercept.Parse(spec[:i])
		if err != nil {
			return fmt.Errorf("--retval %q: %w", spec, err)
		}
		v, err := parseValue(spec[i+1:])
		if err != nil {
			return fmt.Errorf("--retval %q: %w", spec, err)
		}
		if err := s.AddInterceptor(t, intercept.Retval(v)); err != nil {
			return err
		}
	}
	for _, spec := range opts.skip {
		t, err := intercept.Parse(spec)
		if err != nil {
			return fmt.Errorf("--skip %q: %w", spec, err)
		}
		if err := s.AddInterceptor(t, intercept.Skip); err != nil {
			return err
		}
	}
	return nil
}

// parseValue accepts unsigned and negative integers in any Go base.
func parseValue(s string) (uint64, error) {
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseInt(s, 0, 64)
		return uint64(v), err
	}
	return strconv.ParseUint(s, 0, 64)
}

func parseReceiver(s string) (any, error) {
	if strings.HasPrefix(s, "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("receiver %q: %w", s, err)
		}
		return tarsier.ID(v), nil
	}
	return s, nil
}

// describe prints string and data results as text and anything else in hex.
func describe(s *tarsier.Session, ref tarsier.ID, color bool) string {
	f := s.Foundation()
	if ref != 0 && (f.IsString(ref) || f.IsData(ref)) {
		if str, err := s.ReadString(uint64(ref)); err == nil {
			return paint(color, colorize.String, strconv.Quote(str))
		}
	}
	return fmt.Sprintf("0x%x", uint64(ref))
}
