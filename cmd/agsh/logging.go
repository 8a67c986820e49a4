package main

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newCoreLogger builds the structured logger the C1-C4 core packages and the
// R1-R7 role pipeline log through, appending JSON lines to the cache-dir
// debug log. This is the sole logging sink for the whole process.
func newCoreLogger(cacheDir string) *zap.SugaredLogger {
	f, err := os.OpenFile(filepath.Join(cacheDir, "debug.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return zap.NewNop().Sugar()
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zap.InfoLevel)
	return zap.New(core).Sugar()
}
