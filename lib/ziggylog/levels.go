package ziggylog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
)

func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); !set {
		_ = logging.SetLogLevel("*", "INFO")
		_ = logging.SetLogLevel("lock", "WARN")
		_ = logging.SetLogLevel("filelock", "WARN")
	}
}

// SetupFileLogging sends every subsystem's output to path in addition to
// stderr. Used by node jobs so their log stays in the task directory.
func SetupFileLogging(path string) {
	cfg := logging.GetConfig()
	cfg.File = path
	cfg.Stderr = true
	logging.SetupLogging(cfg)
}
