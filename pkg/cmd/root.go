package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stleox/seespan/pkg/cmd/replay"
	"github.com/stleox/seespan/pkg/cmd/serve"
	"github.com/stleox/seespan/pkg/config"
)

func init() {
	// debug flag
	pflag.BoolVar(&config.Debug, "debug", false, "Enable debug mode")
}

// NewViper creates a new viper instance configured.
func NewViper() *viper.Viper {
	vp := viper.New()

	// read config from a file
	vp.SetConfigName("config") // name of config file (without extension)
	vp.SetConfigType("yaml")   // useful if the given config file does not have the extension in the name
	vp.AddConfigPath(".")      // look for a config in the working directory first
	if home, err := os.UserHomeDir(); err == nil {
		vp.AddConfigPath(home + "/.seespan")
	}

	// read config from environment variables
	vp.SetEnvPrefix("seespan") // env var must start with SEESPAN_
	// replace - by _ for environment variable names
	// (eg: the env var for otlp-endpoint is SEESPAN_OTLP_ENDPOINT)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vp.AutomaticEnv() // read in environment variables that match

	config.SetDefaults(vp)
	return vp
}

func New(vp *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "seespan",
		Short:         "Export sampled span events to a tracer backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			config.InitLogrus()
			if config.Debug {
				logrus.Info("enabled debug mode")
			} else {
				logrus.Debug("disabled debug mode")
			}

			if err := vp.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return err
				}
			} else {
				logrus.WithField("file", vp.ConfigFileUsed()).Info("SeeSpan loaded config file")
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("exporter", config.ExporterStdout, "Tracer exporter: stdout, otlp or none")
	flags.String("otlp-endpoint", "", "OTLP gRPC endpoint, host:port")
	flags.Bool("otlp-insecure", false, "Disable TLS towards the OTLP endpoint")
	flags.String("service-name", "seespan", "Service name of the exported resource")
	flags.Bool("ignore-active-span", config.IgnoreActiveSpan, "Start top spans as new roots even if a span is active")
	flags.Duration("context-ttl", config.ContextTTL, "Idle lifetime of a (pid, tid) execution context")
	flags.Int("batch-size", config.BatchSpan, "Span events per exporter batch")
	flags.Duration("batch-interval", config.BatchInterval, "Longest wait before a partial batch is exported")
	flags.String("olap-dsn", "", "MySQL DSN of the span archive, empty to disable")
	flags.StringSlice("strip-rule", nil, "Strip the topmost LEVELS spans, as LEVELS[:PID[:TID]] with * wildcards")
	if err := vp.BindPFlags(flags); err != nil {
		logrus.WithError(err).Fatal("SeeSpan couldn't bind flags")
	}
	return root
}

func Execute() {
	// 全局初始化 VP 配置
	vp := NewViper()

	root := New(vp)
	root.AddCommand(replay.New(vp), serve.New(vp))

	err := root.Execute()
	if err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
