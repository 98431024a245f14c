package config

// // NOTE: ONLY PUT STRUCT DEFINITIONS IN THIS FILE

// Supervisor is the configuration of the ziggy supervisor process and the
// compute-node coordinators it launches.
type Supervisor struct {
	Paths    Paths
	Monitor  Monitor
	Subtasks Subtasks
	Pipeline Pipeline
	Worker   Worker
	Journal  Journal
	Metrics  Metrics
	Logging  Logging
}

type Paths struct {
	// Supervisor repository; holds the FSM datastore, task database and journal.
	RepoPath string
	// Directory holding the state files of all tasks.
	StateFileDir string
	// Parent directory of the per-task working directories.
	TaskDataDir string
	// Directory searched for algorithm executables and ziggy-node.
	BinPath string
}

type Monitor struct {
	// Poll interval of the local algorithm monitor.
	LocalPollInterval Duration
	// Poll interval of the remote algorithm monitor.
	RemotePollInterval Duration
	// How many times to look for the node FINISH timestamp before giving up.
	FinishMarkerRetries    int
	FinishMarkerRetryDelay Duration
	// Interval between periodic subtask marker rescans.
	TaskMonitorInterval Duration
}

type Subtasks struct {
	// Delay before a worker asks again after a TRY_AGAIN response.
	TryAgainInterval Duration
	// Bounds of the backoff used while waiting on a held state file lock.
	LockRetryMin Duration
	LockRetryMax Duration
}

type Pipeline struct {
	// Processing step after which tasks stop, e.g. "SUBMITTING". Empty runs to completion.
	HaltStep string
	// Persist outputs of tasks in which some, but not all, subtasks failed.
	AllowPartialTasks        bool
	DefaultMaxFailedSubtasks int
	DefaultMaxAutoResubmits  int
	// "local" or "remote"
	Executor string
	// Extra environment passed to algorithm executables.
	RuntimeEnvironment map[string]string
}

type Worker struct {
	// Memory available to concurrently running local tasks, e.g. "64GiB".
	// Empty or "0" sizes it from the host.
	WorkerMemory string
	// Default number of worker threads per compute node.
	DefaultCoresPerNode int
}

type Journal struct {
	// Comma separated system:event pairs to suppress.
	DisabledEvents string
	// Size at which the journal file is rolled, e.g. "256MiB".
	MaxSize string
	// Number of rolled journal files kept.
	MaxBackups int
}

type Metrics struct {
	// Address of the prometheus endpoint; empty disables it.
	ListenAddress string
}

// Logging is the logging system config
type Logging struct {
	// SubsystemLevels specify per-subsystem log levels
	SubsystemLevels map[string]string
}
