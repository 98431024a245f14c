package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/journal"
)

// EnvPrefix prefixes environment overrides, e.g. ZIGGY_PIPELINE_HALTSTEP.
const EnvPrefix = "ZIGGY"

// FromFile loads config from a specified file overriding defaults specified in
// the def parameter. If file does not exist or is empty defaults are assumed.
// Environment overrides are applied last.
func FromFile(path string, def *Supervisor) (*Supervisor, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	var cfg *Supervisor
	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		c := *def
		cfg = &c
	case err != nil:
		return nil, err
	default:
		defer file.Close() //nolint:errcheck // The file is RO
		cfg, err = FromReader(file, def)
		if err != nil {
			return nil, xerrors.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, xerrors.Errorf("applying environment overrides: %w", err)
	}
	return cfg, cfg.Validate()
}

// FromReader loads config from a reader instance.
func FromReader(reader io.Reader, def *Supervisor) (*Supervisor, error) {
	cfg := *def
	md, err := toml.NewDecoder(reader).Decode(&cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, xerrors.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return &cfg, nil
}

// ToBytes encodes cfg as TOML.
func ToBytes(cfg *Supervisor) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Supervisor) Validate() error {
	switch c.Pipeline.Executor {
	case "local", "remote":
	default:
		return xerrors.Errorf("unknown executor %q", c.Pipeline.Executor)
	}
	if _, err := c.Worker.MemoryBytes(); err != nil {
		return err
	}
	if _, err := c.Journal.MaxSizeBytes(); err != nil {
		return err
	}
	if _, err := journal.ParseDisabledEvents(c.Journal.DisabledEvents); err != nil {
		return xerrors.Errorf("journal DisabledEvents: %w", err)
	}
	if c.Journal.MaxBackups < 0 {
		return xerrors.Errorf("negative journal MaxBackups")
	}
	if c.Monitor.FinishMarkerRetries < 0 {
		return xerrors.Errorf("negative FinishMarkerRetries")
	}
	return nil
}

// MemoryBytes returns the configured worker memory, or 0 when it should be
// detected from the host.
func (w Worker) MemoryBytes() (int64, error) {
	if w.WorkerMemory == "" || w.WorkerMemory == "0" {
		return 0, nil
	}
	b, err := units.RAMInBytes(w.WorkerMemory)
	if err != nil {
		return 0, xerrors.Errorf("parsing WorkerMemory %q: %w", w.WorkerMemory, err)
	}
	return b, nil
}

func (j Journal) MaxSizeBytes() (int64, error) {
	if j.MaxSize == "" {
		return 0, nil
	}
	b, err := units.RAMInBytes(j.MaxSize)
	if err != nil {
		return 0, xerrors.Errorf("parsing journal MaxSize %q: %w", j.MaxSize, err)
	}
	return b, nil
}

// ExpandPaths resolves a leading ~ in every [Paths] entry.
func (c *Supervisor) ExpandPaths() error {
	for _, p := range []*string{&c.Paths.RepoPath, &c.Paths.StateFileDir, &c.Paths.TaskDataDir, &c.Paths.BinPath} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return xerrors.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}
