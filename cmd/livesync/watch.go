package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

var (
	watchAll bool
	watchMe  bool
	watchRaw bool
)

func init() {
	watchCmd.Flags().BoolVar(&watchAll, "all", false, "follow changes to any tournament")
	watchCmd.Flags().BoolVar(&watchMe, "me", false, "follow the identity-scoped channel (needs default.token)")
	watchCmd.Flags().BoolVar(&watchRaw, "raw", false, "print every received frame")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [tournament-id...]",
	Short: "Follow live changes and print coalesced invalidations",
	Long: `Subscribe to one or more channels and print every cache invalidation the
received notifications would trigger. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid tournament id %q", a)
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 && !watchAll && !watchMe {
			return errors.New("nothing to watch: pass tournament ids, --all or --me")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if watchMe && cfg.Default.Token == "" {
			return errors.New("no token. Run 'livesync config set default.token <token>' first")
		}
		eps, err := endpointsFromConfig(cfg)
		if err != nil {
			return err
		}

		out := &syncWriter{w: cmd.OutOrStdout()}
		logger := newLogger(cmd.ErrOrStderr())

		opts := append(registryOptions(cfg, logger),
			livesync.WithStateHook(func(url string, from, to livesync.State) {
				fmt.Fprintf(out, "state %s %s -> %s\n", url, from, to)
			}))
		reg := livesync.NewRegistry(opts...)
		defer reg.Reset()

		co := livesync.NewCoalescer(ms(cfg.Realtime.CoalesceMS), livesync.WithCoalescerLogger(logger))
		defer co.Stop()

		inv := livesync.InvalidatorFunc(func(keys ...livesync.CacheKey) {
			names := make([]string, len(keys))
			for i, k := range keys {
				names[i] = k.String()
			}
			fmt.Fprintf(out, "invalidate %s\n", strings.Join(names, " "))
		})
		live := livesync.NewLive(reg, co, inv, eps)

		var onMessage func(livesync.Message)
		if watchRaw {
			onMessage = func(m livesync.Message) {
				fmt.Fprintf(out, "recv %s %s\n", m.Kind, m.Text())
			}
		}

		var subs []*livesync.Subscription
		defer func() {
			for _, s := range subs {
				s.Close()
			}
		}()
		for _, id := range ids {
			s, err := live.WatchTournament(id, onMessage)
			if err != nil {
				return err
			}
			subs = append(subs, s)
		}
		if watchAll {
			s, err := live.WatchTournaments(onMessage)
			if err != nil {
				return err
			}
			subs = append(subs, s)
		}
		if watchMe {
			s, err := live.WatchMe(cfg.Default.Token, onMessage)
			if err != nil {
				return err
			}
			subs = append(subs, s)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}
