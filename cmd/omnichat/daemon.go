package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/spf13/cobra"

	"omnichat/internal/config"
)

const (
	launchdLabel = "dev.omnichat.gateway"
	systemdUnit  = "omnichat.service"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Install or remove the gateway as a user service (launchd/systemd)",
	}
	cmd.AddCommand(installDaemonCmd(), uninstallDaemonCmd())
	return cmd
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Run the gateway on login and restart it when it exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			svc := serviceSpec{
				Label:   launchdLabel,
				Exec:    execPath,
				Config:  cfgPath,
				EnvFile: filepath.Join(config.DefaultConfigDir(), ".env"),
				LogDir:  filepath.Join(config.DefaultConfigDir(), "logs"),
			}

			switch runtime.GOOS {
			case "darwin":
				if err := os.MkdirAll(svc.LogDir, 0o755); err != nil {
					return err
				}
				path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
				if err := writeService(path, launchdTemplate, svc); err != nil {
					return err
				}
				fmt.Printf("Daemon installed: %s\n", path)
				fmt.Printf("To start: launchctl load %s\n", path)
				fmt.Printf("To stop:  launchctl unload %s\n", path)
			case "linux":
				path := filepath.Join(home, ".config", "systemd", "user", systemdUnit)
				if err := writeService(path, systemdTemplate, svc); err != nil {
					return err
				}
				fmt.Printf("Daemon installed: %s\n", path)
				fmt.Println("To start:  systemctl --user daemon-reload && systemctl --user start omnichat")
				fmt.Println("To enable: systemctl --user enable omnichat")
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the gateway user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			var path string
			switch runtime.GOOS {
			case "darwin":
				path = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
			case "linux":
				path = filepath.Join(home, ".config", "systemd", "user", systemdUnit)
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	}
}

type serviceSpec struct {
	Label   string
	Exec    string
	Config  string
	EnvFile string
	LogDir  string
}

func renderService(tmpl string, svc serviceSpec) ([]byte, error) {
	t, err := template.New("service").Parse(tmpl)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, svc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeService(path, tmpl string, svc serviceSpec) error {
	data, err := renderService(tmpl, svc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>gateway</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/omnichat.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/omnichat-error.log</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=omnichat channel gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
EnvironmentFile=-{{.EnvFile}}
ExecStart={{.Exec}} gateway --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
