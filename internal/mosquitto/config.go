package mosquitto

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

// configFileMode is the permission mode for the rendered broker config,
// which may name the password file.
const configFileMode = 0o600

// ErrInvalidConfig is returned when broker settings cannot be rendered.
var ErrInvalidConfig = errors.New("mosquitto: invalid configuration")

// Settings is the data the broker config is rendered from.
type Settings struct {
	ListenPort           int
	ListenPortTLS        int
	ListenPortWebsockets int
	CertFile             string
	KeyFile              string
	MaxConnections       int
	AllowAnonymous       bool
	PasswordFile         string
	PersistenceDir       string
}

// SettingsFrom maps the daemon's mosquitto section to Settings. The
// persistence directory and password file sit next to the config file.
func SettingsFrom(cfg config.MosquittoConfig) Settings {
	dir := filepath.Dir(cfg.ConfigFile)
	s := Settings{
		ListenPort:           cfg.ListenPort,
		ListenPortTLS:        cfg.ListenPortTLS,
		ListenPortWebsockets: cfg.ListenPortWebsockets,
		CertFile:             cfg.CertFile,
		KeyFile:              cfg.KeyFile,
		MaxConnections:       cfg.MaxConnections,
		AllowAnonymous:       cfg.AllowAnonymous,
		PersistenceDir:       filepath.Join(dir, "persistence"),
	}
	if !cfg.AllowAnonymous {
		s.PasswordFile = filepath.Join(dir, "passwd")
	}
	return s
}

// Validate checks ports and that TLS has both halves of its key pair.
func (s Settings) Validate() error {
	var errs []string

	checkPort := func(name string, port int, optional bool) {
		if optional && port == 0 {
			return
		}
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be between 1 and 65535", name))
		}
	}
	checkPort("listen_port", s.ListenPort, false)
	checkPort("listen_port_tls", s.ListenPortTLS, true)
	checkPort("listen_port_websockets", s.ListenPortWebsockets, true)

	if s.ListenPortTLS != 0 && (s.CertFile == "" || s.KeyFile == "") {
		errs = append(errs, "cert_file and key_file are required for the TLS listener")
	}
	for _, p := range []string{s.CertFile, s.KeyFile, s.PasswordFile, s.PersistenceDir} {
		if strings.ContainsAny(p, "\n\r") {
			errs = append(errs, fmt.Sprintf("path %q contains a newline", p))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

var confTemplate = template.Must(template.New("mosquitto.conf").Parse(`# Generated by graylogic-gateway. Local edits are overwritten.
per_listener_settings false
allow_anonymous {{.AllowAnonymous}}
{{- if .PasswordFile}}
password_file {{.PasswordFile}}
{{- end}}
{{- if .MaxConnections}}
max_connections {{.MaxConnections}}
{{- end}}
persistence true
persistence_location {{.PersistenceDir}}/

listener {{.ListenPort}}
protocol mqtt
{{- if .ListenPortTLS}}

listener {{.ListenPortTLS}}
protocol mqtt
certfile {{.CertFile}}
keyfile {{.KeyFile}}
tls_version tlsv1.2
{{- end}}
{{- if .ListenPortWebsockets}}

listener {{.ListenPortWebsockets}}
protocol websockets
{{- if .ListenPortTLS}}
certfile {{.CertFile}}
keyfile {{.KeyFile}}
{{- end}}
{{- end}}
`))

// Render returns the mosquitto.conf text for s.
func Render(s Settings) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := confTemplate.Execute(&buf, s); err != nil {
		return nil, fmt.Errorf("rendering mosquitto config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteConfig renders s to path, creating parent directories. It reports
// whether the file content changed.
func WriteConfig(path string, s Settings) (bool, error) {
	data, err := Render(s)
	if err != nil {
		return false, err
	}

	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(s.PersistenceDir, 0o750); err != nil {
		return false, fmt.Errorf("creating persistence directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, configFileMode); err != nil {
		return false, fmt.Errorf("writing mosquitto config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("replacing mosquitto config: %w", err)
	}
	return true, nil
}
