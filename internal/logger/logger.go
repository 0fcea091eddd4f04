package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options はログ出力の設定。
type Options struct {
	// Level は debug / info / warn / error のいずれか。空の場合は info。
	Level string
	// File が指定された場合は標準出力に加えてローテーション付きのファイルにも出力する。
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	return New(w, slog.LevelInfo)
}

// New は指定したレベルでJSON構造化ログ出力のslog.Loggerを生成する。
func New(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// writerが指定された場合はそのwriterに出力する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w)
	slog.SetDefault(logger)
}

// Configure は opts に従ってグローバルロガーを設定し直す。
// 返す io.Closer はファイル出力を閉じる。ファイル出力がない場合も nil ではない。
func Configure(w io.Writer, opts Options) (io.Closer, error) {
	if w == nil {
		w = os.Stdout
	}
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		w = io.MultiWriter(w, rotator)
		closer = rotator
	}

	slog.SetDefault(New(w, level))
	return closer, nil
}

// ParseLevel はログレベル名を slog.Level に変換する。
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", name)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
