package service

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

// SystemdUnit renders the systemd user unit for opts.
func SystemdUnit(opts Options) string {
	cmd := make([]string, 0, 4)
	cmd = append(cmd, systemdQuote(opts.ExecPath))
	for _, a := range opts.Args() {
		cmd = append(cmd, systemdQuote(a))
	}

	return fmt.Sprintf(`[Unit]
Description=safnode store-and-forward relay
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s
Restart=on-failure
RestartSec=5
TimeoutStopSec=30

[Install]
WantedBy=default.target
`, strings.Join(cmd, " "))
}

func systemdQuote(s string) string {
	if strings.ContainsAny(s, " \t\"'\\") {
		return strconv.Quote(s)
	}
	return s
}

// LaunchdPlist renders the launchd agent definition for opts.
func LaunchdPlist(opts Options) string {
	var args strings.Builder
	for _, a := range append([]string{opts.ExecPath}, opts.Args()...) {
		fmt.Fprintf(&args, "        <string>%s</string>\n", html.EscapeString(a))
	}
	logFile := html.EscapeString(opts.LogDir + "/daemon.log")

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
</dict>
</plist>
`, Label, args.String(), logFile, logFile)
}

// TaskCommand renders the command line for the Windows scheduled task.
func TaskCommand(opts Options) string {
	parts := []string{`"` + opts.ExecPath + `"`}
	for _, a := range opts.Args() {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}
