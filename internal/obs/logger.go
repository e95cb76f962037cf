// Copyright 2025 James Ross
package obs

import (
    "os"
    "path/filepath"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"
)

func NewLogger(level string) (*zap.Logger, error) {
    lvl := zapLevel(level)
    cfg := zap.NewProductionConfig()
    cfg.Level = zap.NewAtomicLevelAt(lvl)
    cfg.Encoding = "json"
    return cfg.Build()
}

// NewFileLogger mirrors NewLogger but additionally tees output to a rotating
// file under logDir, the way the teacher's audit logger rotates on-disk
// logs: size-capped with a bounded number of gzip'd backups.
func NewFileLogger(level, logDir string) (*zap.Logger, error) {
    if logDir == "" {
        return NewLogger(level)
    }
    if err := os.MkdirAll(logDir, 0o755); err != nil {
        return nil, err
    }

    enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
    lvl := zapLevel(level)

    stdoutCore := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl)
    fileWriter := &lumberjack.Logger{
        Filename:   filepath.Join(logDir, "server.log"),
        MaxSize:    100, // megabytes
        MaxBackups: 10,
        MaxAge:     28, // days
        Compress:   true,
    }
    fileCore := zapcore.NewCore(enc, zapcore.AddSync(fileWriter), lvl)

    core := zapcore.NewTee(stdoutCore, fileCore)
    return zap.New(core, zap.AddCaller()), nil
}

func zapLevel(level string) zapcore.Level {
    switch strings.ToLower(level) {
    case "debug":
        return zapcore.DebugLevel
    case "warn":
        return zapcore.WarnLevel
    case "error":
        return zapcore.ErrorLevel
    default:
        return zapcore.InfoLevel
    }
}

// Convenience typed fields
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field { return zap.Error(err) }
