package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file location used when no
// --config flag is given.
const DefaultPath = "/etc/binwatch.yaml"

// Duration wraps time.Duration so it can be written as "5m" or "30s"
// in the configuration file.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Get() time.Duration {
	return time.Duration(d)
}

type Auditor struct {
	Path     string   `yaml:"path"`
	Args     []string `yaml:"args"`
	Database string   `yaml:"database"`
	Timeout  Duration `yaml:"timeout"`
	// Non-zero exit codes by which the auditor signals "completed with
	// findings" rather than an execution error.
	FindingsExitCodes []int `yaml:"findings_exit_codes"`
	Debug             bool  `yaml:"debug"`
}

type State struct {
	Path     string `yaml:"path"`
	LockPath string `yaml:"lock_path"`
	// Commit the history even when the report mail could not be
	// delivered. Trades repeat-alert storms during a long mail outage
	// against re-alerting on already-known findings.
	CommitOnDeliveryFailure bool `yaml:"commit_on_delivery_failure"`
}

type Mail struct {
	Disabled      bool     `yaml:"disabled"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	TLS           bool     `yaml:"tls"` // implicit TLS; STARTTLS is used opportunistically otherwise
	From          string   `yaml:"from"`
	Recipients    []string `yaml:"recipients"`
	Subject       string   `yaml:"subject"`
	RetryAttempts int      `yaml:"retry_attempts"`
	Timeout       Duration `yaml:"timeout"`
}

type ReportFile struct {
	Path   string `yaml:"path"`
	Append *bool  `yaml:"append"`
}

type Config struct {
	Targets          []string   `yaml:"targets"`
	Auditor          Auditor    `yaml:"auditor"`
	Parallelism      int        `yaml:"parallelism"`
	State            State      `yaml:"state"`
	Mail             Mail       `yaml:"mail"`
	ReportOnCleanRun *bool      `yaml:"report_on_clean_run"`
	ReportFile       ReportFile `yaml:"report_file"`
	// Command and arguments, given as a list so arguments containing
	// whitespace survive intact.
	ReportCommand []string `yaml:"report_command"`
}

// ReportCleanRun reports whether a run without new findings and
// without failures should still be mailed. Defaults to true so a
// silent scheduler misfire is distinguishable from a clean run.
func (c *Config) ReportCleanRun() bool {
	if c.ReportOnCleanRun == nil {
		return true
	}
	return *c.ReportOnCleanRun
}

func (c *Config) ReportFileAppend() bool {
	if c.ReportFile.Append == nil {
		return true
	}
	return *c.ReportFile.Append
}

// LockPath returns the run-exclusion lock file location, defaulting
// to the state path with a ".lock" suffix.
func (c *Config) LockPath() string {
	if c.State.LockPath != "" {
		return c.State.LockPath
	}
	return c.State.Path + ".lock"
}

func applyDefaults(c *Config) {
	if len(c.Auditor.Args) == 0 {
		c.Auditor.Args = []string{"audit", "--deny", "warnings", "--format", "json", "bin"}
	}
	if c.Auditor.Timeout == 0 {
		c.Auditor.Timeout = Duration(5 * time.Minute)
	}
	if len(c.Auditor.FindingsExitCodes) == 0 {
		c.Auditor.FindingsExitCodes = []int{1}
	}
	if c.Parallelism == 0 {
		c.Parallelism = 1
	}
	if c.State.Path == "" {
		c.State.Path = "/var/lib/binwatch/history.db"
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = 587
	}
	if c.Mail.Subject == "" {
		c.Mail.Subject = "binwatch audit report"
	}
	if c.Mail.Timeout == 0 {
		c.Mail.Timeout = Duration(30 * time.Second)
	}
}

func validate(c *Config) error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("no targets configured")
	}
	if c.Auditor.Path == "" {
		return fmt.Errorf("auditor.path is not configured")
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be >= 1, got %d", c.Parallelism)
	}
	if c.Mail.RetryAttempts < 0 {
		return fmt.Errorf("mail.retry_attempts must be >= 0, got %d", c.Mail.RetryAttempts)
	}
	if !c.Mail.Disabled {
		if c.Mail.Host == "" {
			return fmt.Errorf("mail.host is not configured")
		}
		if c.Mail.From == "" {
			return fmt.Errorf("mail.from is not configured")
		}
		if len(c.Mail.Recipients) == 0 {
			return fmt.Errorf("no mail.recipients configured")
		}
	}
	return nil
}

// Load reads, fills in defaults and validates a configuration file.
// Unknown keys are rejected so typos do not silently disable options.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	conf := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(conf); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	applyDefaults(conf)
	if err := validate(conf); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return conf, nil
}
