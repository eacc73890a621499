package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup 根据配置设置logrus标准日志的级别和格式
func Setup(level, format string) {
	SetupWithOutput(level, format, os.Stdout)
}

// SetupWithOutput 同Setup，指定输出
func SetupWithOutput(level, format string, out io.Writer) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(out)

	switch strings.ToLower(format) {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	if err != nil && level != "" {
		logrus.WithField("level", level).Warn("Unknown log level, using info")
	}
}
