package replay

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	pkgbgtask "github.com/stleox/seespan/pkg/bgtask"
	"github.com/stleox/seespan/pkg/cmd/common"
	"github.com/stleox/seespan/pkg/span"
	"golang.org/x/sync/errgroup"
)

func New(vp *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "replay FILE...",
		Short: "Export span events recorded as JSON lines, one producer per file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			p, err := common.NewPipeline(ctx, vp, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			feeder := pkgbgtask.NewFeeder(p.Exporter, p.Config.BatchSize, p.Config.BatchInterval)
			err = replayFiles(ctx, args, feeder)
			feeder.Flush()

			// 即使 replay 失败，也要结束未闭合的 span
			if shutdownErr := p.Shutdown(context.Background()); shutdownErr != nil {
				logrus.WithError(shutdownErr).Error("SeeSpan couldn't shut down the tracer provider")
			}
			return err
		},
	}
}

func replayFiles(ctx context.Context, names []string, adder common.SpanAdder) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			n, err := replayFile(gctx, name, adder)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			logrus.WithField("file", name).WithField("count", n).Info("SeeSpan replayed span events")
			return nil
		})
	}
	return g.Wait()
}

func replayFile(ctx context.Context, name string, adder common.SpanAdder) (int, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return common.Feed(ctx, span.NewDecoder(f), adder, false)
}
