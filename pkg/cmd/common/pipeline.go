package common

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stleox/seespan/pkg/config"
	"github.com/stleox/seespan/pkg/exporter"
	"github.com/stleox/seespan/pkg/metrics"
	"github.com/stleox/seespan/pkg/olap"
	pkgtracer "github.com/stleox/seespan/pkg/tracer"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
)

// Pipeline is everything a command needs to turn span events into traces.
type Pipeline struct {
	Config   *config.Config
	Provider *sdktr.TracerProvider
	Exporter *exporter.Exporter
	Olap     *olap.Olap
	Metrics  *metrics.Metrics
}

func NewPipeline(ctx context.Context, vp *viper.Viper, stdout io.Writer) (*Pipeline, error) {
	cfg, err := config.Load(vp)
	if err != nil {
		return nil, err
	}

	policy, err := NewStripPolicy(cfg.StripRules)
	if err != nil {
		return nil, err
	}

	tp, err := pkgtracer.NewProvider(ctx, cfg, stdout)
	if err != nil {
		return nil, err
	}
	logrus.WithField("exporter", cfg.Exporter).Info("SeeSpan initialized tracer provider")

	p := &Pipeline{
		Config:   cfg,
		Provider: tp,
		Metrics:  metrics.NewMetrics(),
	}

	opts := []exporter.Option{
		exporter.WithStripPolicy(policy),
		exporter.WithIgnoreActiveSpan(cfg.IgnoreActiveSpan),
		exporter.WithContextTTL(cfg.ContextTTL),
		exporter.WithMetrics(p.Metrics),
	}
	if cfg.OlapDSN != "" {
		// 连不上 OLAP 时仍然导出 trace
		if p.Olap = olap.NewOlap(cfg.OlapDSN); p.Olap != nil {
			opts = append(opts, exporter.WithSink(p.Olap))
		}
	}
	p.Exporter = exporter.New(pkgtracer.NewBackend(tp), opts...)
	return p, nil
}

// NewStripPolicy turns configured strip rules into an exporter policy. Later
// rules for the same origin override earlier ones.
func NewStripPolicy(rules []config.StripRule) (*exporter.StripPolicy, error) {
	policy := exporter.NewStripPolicy()
	for _, rule := range rules {
		opts := make([]exporter.StripOption, 0, 2)
		if rule.ProcessID != nil {
			opts = append(opts, exporter.ForProcess(*rule.ProcessID))
		}
		if rule.ThreadID != nil {
			opts = append(opts, exporter.ForThread(*rule.ThreadID))
		}
		if err := policy.Set(rule.Levels, opts...); err != nil {
			return nil, err
		}
		logrus.WithField("rule", rule.String()).Debug("SeeSpan applied strip rule")
	}
	return policy, nil
}

// Shutdown ends the spans still open, then drains the archive and the
// tracer provider.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if n := p.Exporter.FlushOpenSpans(); n > 0 {
		logrus.WithField("count", n).Info("SeeSpan flushed open spans")
	}
	p.Olap.Flush()

	var errs []error
	if err := p.Provider.ForceFlush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.Provider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
