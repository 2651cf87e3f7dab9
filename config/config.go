// This package defines a common config struct which can be used by any subsystem within the relay.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug            bool
	RootDir          string
	LoggingPrefix    string
	RequestTimeoutMs int64
	DefaultPageSize  int
	MaxPageSize      int
	ListenAddr       string
	NATSURL          string
	RedisAddr        string
	PresenceTTLSec   int64
	writer           io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else if c.LoggingPrefix == "" {
		p = source
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithPageSizes(def, max int) Option {
	return func(c *Config) {
		c.DefaultPageSize = def
		c.MaxPageSize = max
	}
}

func WithListenAddr(a string) Option {
	return func(c *Config) {
		c.ListenAddr = a
	}
}

func WithNATSURL(u string) Option {
	return func(c *Config) {
		c.NATSURL = u
	}
}

func WithRedisAddr(a string) Option {
	return func(c *Config) {
		c.RedisAddr = a
	}
}

func WithPresenceTTLSec(n int64) Option {
	return func(c *Config) {
		c.PresenceTTLSec = n
	}
}

// Disables the rotating log file. Used by tests which create many configs.
func WithoutLogFile() Option {
	return func(c *Config) {
		c.writer = io.Discard
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:            os.Getenv("DEBUG") == "1",
		RootDir:          ".",
		LoggingPrefix:    "",
		RequestTimeoutMs: 5000,
		DefaultPageSize:  20,
		MaxPageSize:      100,
		ListenAddr:       ":8080",
		NATSURL:          os.Getenv("NATS_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		PresenceTTLSec:   60,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	if c.writer == nil {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, "out.log"),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return c
}
