package serve

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	pkgbgtask "github.com/stleox/seespan/pkg/bgtask"
	"github.com/stleox/seespan/pkg/cmd/common"
	"github.com/stleox/seespan/pkg/config"
	"github.com/stleox/seespan/pkg/span"
)

// gatedAdder stops forwarding events once closed. close waits for an Add in
// progress, so nothing reaches the feeder after handleSpans returns.
type gatedAdder struct {
	mu     sync.Mutex
	closed bool
	adder  common.SpanAdder
}

func (g *gatedAdder) Add(s *span.Span) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.adder.Add(s)
}

func (g *gatedAdder) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// 在 serve 下，持续读取 stdin 直到 EOF 或收到信号
func handleSpans(ctx context.Context, in io.Reader, adder common.SpanAdder) error {
	gate := &gatedAdder{adder: adder}
	defer gate.close()
	// 读 stdin 的 goroutine 可能仍阻塞在 Read 上
	if c, ok := in.(io.Closer); ok {
		defer c.Close()
	}

	done := make(chan error, 1)
	go func() {
		n, err := common.Feed(ctx, span.NewDecoder(in), gate, true)
		logrus.WithField("count", n).Info("SeeSpan stopped reading span events")
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func startMetricsServer(srv *http.Server) {
	go func() {
		logrus.WithField("addr", srv.Addr).Info("SeeSpan serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("SeeSpan couldn't serve metrics")
		}
	}()
}

func New(vp *viper.Viper) *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Export span events read from stdin and run background tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			// init main context of `serve`
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			p, err := common.NewPipeline(ctx, vp, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := p.Shutdown(shutdownCtx); err != nil {
					logrus.WithError(err).Error("SeeSpan couldn't shut down the tracer provider")
				}
			}()

			if p.Config.MetricsAddr != "" {
				srv := p.Metrics.NewServer(p.Config.MetricsAddr)
				startMetricsServer(srv)
				defer srv.Close()
			}

			// init bgTaskManager
			bgTaskManager := pkgbgtask.NewBgTaskManager(p.Exporter, p.Olap, p.Config.StatsSchedule)
			bgTaskManager.StartAll()
			defer bgTaskManager.StopAll()

			feeder := pkgbgtask.NewFeeder(p.Exporter, p.Config.BatchSize, p.Config.BatchInterval)
			defer feeder.Flush()

			return handleSpans(ctx, cmd.InOrStdin(), feeder)
		},
	}

	flags := serve.Flags()
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	flags.String("stats-schedule", config.StatsSchedule, "Cron schedule of the stats task")
	if err := vp.BindPFlags(flags); err != nil {
		logrus.WithError(err).Fatal("SeeSpan couldn't bind serve flags")
	}
	return serve
}
