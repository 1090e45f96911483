package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// InitLogrus configures the standard logger; called again once flags are parsed.
func InitLogrus() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: time.DateTime,
	})
	if Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func init() {
	InitLogrus()
}
