package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"sheetmail/delivery"
	"sheetmail/internal/dkim"
	"sheetmail/quota"
	"sheetmail/tlsconfig"
)

// AccountConfig is one entry of the account pool file. Times are Unix
// seconds and durations are seconds, as written by earlier releases.
type AccountConfig struct {
	Host       string `json:"host" toml:"host" yaml:"host"`
	Port       int    `json:"port" toml:"port" yaml:"port"`
	Username   string `json:"username" toml:"username" yaml:"username"`
	Password   string `json:"password" toml:"password" yaml:"password"`
	SenderAddr string `json:"sender_addr" toml:"sender_addr" yaml:"sender_addr"`
	UseSSL     bool   `json:"user_ssl" toml:"user_ssl" yaml:"user_ssl"`
	// Encryption overrides UseSSL: starttls, implicit or none.
	Encryption string `json:"encryption,omitempty" toml:"encryption,omitempty" yaml:"encryption,omitempty"`

	Timeframe         float64 `json:"timeframe" toml:"timeframe" yaml:"timeframe"`
	TimeframeEnd      float64 `json:"timeframe_end" toml:"timeframe_end" yaml:"timeframe_end"`
	AllowedRequests   int     `json:"allowed_requests" toml:"allowed_requests" yaml:"allowed_requests"`
	RemainingRequests int     `json:"remaining_requests" toml:"remaining_requests" yaml:"remaining_requests"`
	UseFixedDelay     bool    `json:"use_fixed_delay" toml:"use_fixed_delay" yaml:"use_fixed_delay"`
	UpdateConfig      bool    `json:"update_config" toml:"update_config" yaml:"update_config"`

	CAFile             string `json:"ca_file,omitempty" toml:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty" toml:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
	DKIMSelector       string `json:"dkim_selector,omitempty" toml:"dkim_selector,omitempty" yaml:"dkim_selector,omitempty"`
	DKIMKeyPath        string `json:"dkim_key_path,omitempty" toml:"dkim_key_path,omitempty" yaml:"dkim_key_path,omitempty"`
	DKIMDomain         string `json:"dkim_domain,omitempty" toml:"dkim_domain,omitempty" yaml:"dkim_domain,omitempty"`
}

// Account returns the connection identity of the entry.
func (a AccountConfig) Account() (delivery.Account, error) {
	mode := tlsconfig.ModeFromSSL(a.UseSSL)
	if a.Encryption != "" {
		m, err := tlsconfig.ParseMode(a.Encryption)
		if err != nil {
			return delivery.Account{}, err
		}
		mode = m
	}
	return delivery.Account{
		Host:       a.Host,
		Port:       a.Port,
		Username:   a.Username,
		Password:   a.Password,
		From:       a.SenderAddr,
		Encryption: mode,
		TLS: tlsconfig.Options{
			CAFile:             a.CAFile,
			InsecureSkipVerify: a.InsecureSkipVerify,
		},
	}, nil
}

// QuotaState converts the persisted counters into tracker state.
func (a AccountConfig) QuotaState() (quota.State, error) {
	st := quota.State{
		WindowLength:      secondsToDuration(a.Timeframe),
		WindowEnd:         unixToTime(a.TimeframeEnd),
		AllowedPerWindow:  a.AllowedRequests,
		RemainingInWindow: a.RemainingRequests,
		PersistOnChange:   a.UpdateConfig,
	}
	if a.UseFixedDelay {
		st.Pacing = quota.Fixed
	}
	if err := st.Validate(); err != nil {
		return quota.State{}, err
	}
	return st, nil
}

// ApplyQuota copies the mutable counters of st back into the entry.
func (a *AccountConfig) ApplyQuota(st quota.State) {
	a.TimeframeEnd = timeToUnix(st.WindowEnd)
	a.RemainingRequests = st.RemainingInWindow
}

// DKIM returns the signing options of the entry.
func (a AccountConfig) DKIM() dkim.Options {
	return dkim.Options{
		Selector: a.DKIMSelector,
		Domain:   a.DKIMDomain,
		KeyPath:  a.DKIMKeyPath,
	}
}

// Name identifies the entry in logs.
func (a AccountConfig) Name() string {
	return fmt.Sprintf("%s@%s:%d", a.Username, a.Host, a.Port)
}

// Pool is the account pool file.
type Pool struct {
	Accounts []AccountConfig `json:"mail_user" toml:"mail_user" yaml:"mail_user"`

	path   string
	format string
}

// LoadPool reads the pool at path. The format follows the extension:
// .toml, .yaml or .yml, anything else is JSON.
func LoadPool(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := &Pool{path: path, format: poolFormat(path)}
	switch p.format {
	case "toml":
		err = toml.Unmarshal(data, p)
	case "yaml":
		err = yaml.Unmarshal(data, p)
	default:
		err = json.Unmarshal(data, p)
	}
	if err != nil {
		return nil, fmt.Errorf("parse account pool %s: %w", path, err)
	}
	if len(p.Accounts) == 0 {
		return nil, fmt.Errorf("account pool %s: no entries under mail_user", path)
	}
	for i, acct := range p.Accounts {
		if err := acct.validate(); err != nil {
			return nil, fmt.Errorf("account pool %s: entry %d: %w", path, i, err)
		}
	}
	return p, nil
}

// Path is the file the pool was loaded from.
func (p *Pool) Path() string { return p.path }

// Save writes the pool back in its original format. The file is replaced
// atomically so a crash never leaves a partial pool behind.
func (p *Pool) Save() error {
	data, err := p.encode()
	if err != nil {
		return err
	}

	mode := os.FileMode(0o600)
	if info, err := os.Stat(p.path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.path), "."+filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, p.path)
}

func (p *Pool) encode() ([]byte, error) {
	switch p.format {
	case "toml":
		return toml.Marshal(p)
	case "yaml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
}

func (a AccountConfig) validate() error {
	switch {
	case strings.TrimSpace(a.Host) == "":
		return errors.New("host is required")
	case a.Port <= 0 || a.Port > 65535:
		return fmt.Errorf("invalid port %d", a.Port)
	case strings.TrimSpace(a.SenderAddr) == "":
		return errors.New("sender_addr is required")
	case a.Timeframe <= 0:
		return errors.New("timeframe must be positive")
	case a.AllowedRequests < 1:
		return errors.New("allowed_requests must be at least 1")
	}
	return nil
}

func poolFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func unixToTime(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9))
}

func timeToUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
