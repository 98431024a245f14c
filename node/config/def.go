package config

import (
	"encoding"
	"time"
)

func DefaultSupervisor() *Supervisor {
	return &Supervisor{
		Paths: Paths{
			RepoPath:     "~/.ziggy",
			StateFileDir: "~/.ziggy/state-files",
			TaskDataDir:  "~/.ziggy/task-data",
			BinPath:      "/usr/local/bin",
		},
		Monitor: Monitor{
			LocalPollInterval:      Duration(2 * time.Second),
			RemotePollInterval:     Duration(10 * time.Second),
			FinishMarkerRetries:    3,
			FinishMarkerRetryDelay: Duration(2 * time.Second),
			TaskMonitorInterval:    Duration(30 * time.Second),
		},
		Subtasks: Subtasks{
			TryAgainInterval: Duration(2 * time.Second),
			LockRetryMin:     Duration(10 * time.Millisecond),
			LockRetryMax:     Duration(time.Second),
		},
		Pipeline: Pipeline{
			AllowPartialTasks:        true,
			DefaultMaxFailedSubtasks: 0,
			DefaultMaxAutoResubmits:  0,
			Executor:                 "local",
		},
		Worker: Worker{
			DefaultCoresPerNode: 1,
		},
		Journal: Journal{
			DisabledEvents: "monitor:cycle",
			MaxSize:        "256MiB",
			MaxBackups:     3,
		},
		Metrics: Metrics{
			ListenAddress: "127.0.0.1:9464",
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

func (dur Duration) D() time.Duration {
	return time.Duration(dur)
}
