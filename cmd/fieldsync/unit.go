package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"

	"github.com/clawinfra/fieldsync/internal/config"
)

const systemdUnitTemplate = `[Unit]
Description=fieldsync offline submission outbox
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User={{.User}}
Group={{.User}}
WorkingDirectory={{.WorkDir}}
ExecStart={{.ExecPath}} serve -config {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
StandardOutput=journal
StandardError=journal
SyslogIdentifier=fieldsync

NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths={{.DataDir}}

[Install]
WantedBy=multi-user.target
`

const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>io.clawinfra.fieldsync</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.ExecPath}}</string>
		<string>serve</string>
		<string>-config</string>
		<string>{{.ConfigPath}}</string>
	</array>
	<key>WorkingDirectory</key>
	<string>{{.WorkDir}}</string>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>StandardOutPath</key>
	<string>{{.DataDir}}/fieldsync.log</string>
	<key>StandardErrorPath</key>
	<string>{{.DataDir}}/fieldsync.error.log</string>
	<key>ThrottleInterval</key>
	<integer>5</integer>
</dict>
</plist>
`

type unitConfig struct {
	User       string
	WorkDir    string
	ExecPath   string
	ConfigPath string
	DataDir    string
}

// unitCommand prints a service definition for running the daemon under
// systemd or launchd. Installing it is left to the operator.
func unitCommand(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("unit", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	format := fs.String("format", "systemd", "systemd or launchd")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var tmplText string
	switch *format {
	case "systemd":
		tmplText = systemdUnitTemplate
	case "launchd":
		tmplText = launchdPlistTemplate
	default:
		return fmt.Errorf("unknown format %q", *format)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	uc, err := newUnitConfig(*configPath, cfg.Server.DataDir)
	if err != nil {
		return err
	}
	return renderUnit(stdout, tmplText, uc)
}

func newUnitConfig(configPath, dataDir string) (unitConfig, error) {
	execPath, err := os.Executable()
	if err != nil {
		return unitConfig{}, fmt.Errorf("get executable path: %w", err)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return unitConfig{}, fmt.Errorf("get working directory: %w", err)
	}

	user := os.Getenv("USER")
	if user == "" {
		user = "fieldsync"
	}

	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(workDir, p)
	}

	return unitConfig{
		User:       user,
		WorkDir:    workDir,
		ExecPath:   execPath,
		ConfigPath: abs(configPath),
		DataDir:    abs(dataDir),
	}, nil
}

func renderUnit(w io.Writer, tmplText string, uc unitConfig) error {
	tmpl, err := template.New("unit").Parse(tmplText)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	if err := tmpl.Execute(w, uc); err != nil {
		return fmt.Errorf("render unit: %w", err)
	}
	return nil
}
