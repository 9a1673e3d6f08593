/*
Copyright 2025 BYTEDz

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/boombuler/barcode/qr"
	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/BYTEDz/pclink/lib/client"
	"github.com/BYTEDz/pclink/lib/config"
	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/utils"
)

func resolveDataDir(ccf *GlobalCLIFlags) (string, error) {
	if ccf.DataDir != "" {
		return ccf.DataDir, nil
	}
	return config.DataDir()
}

func logFilePath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "pclink.log")
}

// connect builds a control-plane client from the credentials in the data
// directory of the running daemon.
func connect(ccf *GlobalCLIFlags, level log.Level) (*client.Client, error) {
	if err := utils.InitLogger(utils.LoggingForCLI, level, "", false); err != nil {
		return nil, trace.Wrap(err)
	}
	dataDir, err := resolveDataDir(ccf)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	apiKey, err := os.ReadFile(filepath.Join(dataDir, "api_key"))
	if err != nil {
		return nil, trace.WrapWithMessage(trace.ConvertSystemError(err),
			"cannot read the server credential; is the server initialized?")
	}
	certPEM, _ := os.ReadFile(filepath.Join(dataDir, "cert.pem"))

	port := defaults.HTTPSListenPort
	if data, err := os.ReadFile(filepath.Join(dataDir, "config.json")); err == nil {
		var cfg struct {
			Port int `json:"port"`
		}
		if json.Unmarshal(data, &cfg) == nil && cfg.Port != 0 {
			port = cfg.Port
		}
	}

	return client.New(client.Config{
		Addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		APIKey:  strings.TrimSpace(string(apiKey)),
		CertPEM: certPEM,
	})
}

func onStop(ctx context.Context, ccf *GlobalCLIFlags, level log.Level) error {
	clt, err := connect(ccf, level)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := clt.Shutdown(ctx); err != nil {
		return trace.Wrap(err)
	}
	fmt.Println("Server is shutting down.")
	return nil
}

func onRestart(ctx context.Context, ccf *GlobalCLIFlags, level log.Level) error {
	clt, err := connect(ccf, level)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := clt.RestartServer(ctx); err != nil {
		return trace.Wrap(err)
	}
	fmt.Println("Server is restarting.")
	return nil
}

func onStatus(ctx context.Context, ccf *GlobalCLIFlags, level log.Level) error {
	clt, err := connect(ccf, level)
	if err != nil {
		return trace.Wrap(err)
	}
	status, err := clt.GetStatus(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("PCLink %v\n", status.Version)
	fmt.Printf("  status:            %v\n", status.Status)
	fmt.Printf("  port:              %v\n", status.Port)
	fmt.Printf("  setup complete:    %v\n", status.SetupComplete)
	fmt.Printf("  connected devices: %v\n", status.ConnectedDevices)
	var enabled []string
	for name, on := range status.Features {
		if on {
			enabled = append(enabled, name)
		}
	}
	fmt.Printf("  enabled services:  %v\n", strings.Join(enabled, ", "))
	return nil
}

func onLogs(ccf *GlobalCLIFlags, level log.Level, lines int) error {
	if err := utils.InitLogger(utils.LoggingForCLI, level, "", false); err != nil {
		return trace.Wrap(err)
	}
	dataDir, err := resolveDataDir(ccf)
	if err != nil {
		return trace.Wrap(err)
	}
	path := logFilePath(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.WrapWithMessage(trace.ConvertSystemError(err), "cannot read %v", path)
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines > 0 && len(all) > lines {
		all = all[len(all)-lines:]
	}
	fi, _ := os.Stat(path)
	if fi != nil {
		fmt.Fprintf(os.Stderr, "%v (%v)\n", path, humanize.Bytes(uint64(fi.Size())))
	}
	for _, line := range all {
		fmt.Println(line)
	}
	return nil
}

func onQR(ctx context.Context, ccf *GlobalCLIFlags, level log.Level) error {
	clt, err := connect(ccf, level)
	if err != nil {
		return trace.Wrap(err)
	}
	payload, err := clt.GetQRPayload(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return trace.Wrap(err)
	}
	code, err := qr.Encode(string(content), qr.M, qr.Auto)
	if err != nil {
		return trace.Wrap(err)
	}

	// Render the matrix with half-height blocks so the code stays
	// roughly square in a terminal.
	bounds := code.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y += 2 {
		var sb strings.Builder
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			top := isDark(code.At(x, y))
			bottom := y+1 < bounds.Max.Y && isDark(code.At(x, y+1))
			switch {
			case top && bottom:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bottom:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		fmt.Println(sb.String())
	}
	fmt.Printf("\nScan with the PCLink app to pair (fingerprint %v…).\n", payload.CertFingerprint[:16])
	return nil
}

func isDark(c interface{ RGBA() (r, g, b, a uint32) }) bool {
	r, g, b, _ := c.RGBA()
	return r == 0 && g == 0 && b == 0
}

func onSetup(ctx context.Context, ccf *GlobalCLIFlags, level log.Level) error {
	clt, err := connect(ccf, level)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Print("Choose an operator password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Print("Repeat the password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return trace.Wrap(err)
	}
	if string(password) != string(confirm) {
		return trace.BadParameter("passwords do not match")
	}
	if err := clt.Setup(ctx, string(password)); err != nil {
		return trace.Wrap(err)
	}
	fmt.Println("Setup complete. The mobile API is now active.")
	return nil
}

func onPair(ccf *GlobalCLIFlags, level log.Level, approveID, denyID string) error {
	clt, err := connect(ccf, level)
	if err != nil {
		return trace.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaults.HTTPRequestTimeout)
	defer cancel()

	switch {
	case approveID != "":
		if err := clt.DecidePairing(ctx, approveID, true); err != nil {
			return trace.Wrap(err)
		}
		fmt.Println("Pairing approved.")
		return nil
	case denyID != "":
		if err := clt.DecidePairing(ctx, denyID, false); err != nil {
			return trace.Wrap(err)
		}
		fmt.Println("Pairing denied.")
		return nil
	}

	pending, err := clt.GetPendingPairings(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(pending) == 0 {
		fmt.Println("No pending pairing requests.")
		return nil
	}
	for i, p := range pending {
		fmt.Printf("[%d] %v (%v) from %v — id %v\n", i+1, p.DeviceName, p.Platform, p.ClientIP, p.PairingID)
	}
	fmt.Print("Approve which request? (number, or empty to exit): ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return trace.Wrap(err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil
	}
	idx, err := strconv.Atoi(answer)
	if err != nil || idx < 1 || idx > len(pending) {
		return trace.BadParameter("invalid selection %q", answer)
	}
	if err := clt.DecidePairing(ctx, pending[idx-1].PairingID, true); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Approved %v.\n", pending[idx-1].DeviceName)
	return nil
}
