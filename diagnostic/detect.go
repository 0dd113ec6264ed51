// Package diagnostic inspects the host smart-card subsystem when no
// PKCS#11 provider module could be located. The report is
// dependency-free and lower fidelity: there is no PIN-gated proof of
// possession and no signing capability.
package diagnostic

import (
	"context"
	"os/exec"
	"runtime"
	"strings"

	"github.com/effective-security/tokensign/p11token"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/tokensign", "diagnostic")

// FidelityDegraded marks a status produced without a provider module.
const FidelityDegraded = "degraded"

// DeviceStatus is the diagnostic view of the smart-card subsystem.
type DeviceStatus struct {
	CardsPresent bool                         `json:"cards_present"`
	Readers      []string                     `json:"readers,omitempty"`
	Certificates []p11token.CertificateRecord `json:"certificates,omitempty"`
	Raw          string                       `json:"raw,omitempty"`
	Fidelity     string                       `json:"fidelity"`
}

// Detect probes the host smart-card tooling within the context
// deadline. It never fails hard: a missing tool yields an empty
// status with an explanatory Raw text.
func Detect(ctx context.Context) DeviceStatus {
	status := DeviceStatus{Fidelity: FidelityDegraded}

	var out string
	var err error
	if runtime.GOOS == "windows" {
		out, err = run(ctx, "certutil", "-scinfo")
		if err == nil || out != "" {
			parseSCInfo(out, &status)
		}
	} else {
		out, err = run(ctx, "opensc-tool", "--list-readers")
		if err != nil && out == "" {
			out, err = run(ctx, "pcsc_scan", "-r")
		}
		if out != "" {
			parseReaderListing(out, &status)
		}
	}

	if out == "" {
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "detect", "err", err.Error())
		}
		status.Raw = "smart-card tooling not available on this host"
		return status
	}

	status.Raw = strings.TrimSpace(out)
	return status
}

func run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// parseReaderListing handles opensc-tool/pcsc_scan output:
// a header line followed by "idx  Yes|No  reader name" rows,
// or "Reader N: name" rows.
func parseReaderListing(out string, status *DeviceStatus) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") ||
			strings.HasPrefix(line, "Nr.") || strings.HasPrefix(line, "Detected") {
			continue
		}

		if name, ok := strings.CutPrefix(line, "Reader "); ok {
			if _, reader, found := strings.Cut(name, ": "); found {
				status.Readers = append(status.Readers, strings.TrimSpace(reader))
			}
			continue
		}

		fields := strings.Fields(line)
		if len(fields) >= 3 && (fields[1] == "Yes" || fields[1] == "No") {
			status.Readers = append(status.Readers, strings.Join(fields[2:], " "))
			if fields[1] == "Yes" {
				status.CardsPresent = true
			}
		}
		if strings.Contains(line, "Card inserted") || strings.Contains(line, "Card state: present") {
			status.CardsPresent = true
		}
	}
}

// parseSCInfo handles `certutil -scinfo` output on Windows,
// extracting reader names, card presence and certificate subjects.
func parseSCInfo(out string, status *DeviceStatus) {
	var current p11token.CertificateRecord
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Reader:"):
			status.Readers = append(status.Readers, strings.TrimSpace(strings.TrimPrefix(line, "Reader:")))
		case strings.HasPrefix(line, "Card:"):
			name := strings.TrimSpace(strings.TrimPrefix(line, "Card:"))
			if name != "" {
				status.CardsPresent = true
			}
		case strings.HasPrefix(line, "Subject:"):
			current.Subject = strings.TrimSpace(strings.TrimPrefix(line, "Subject:"))
		case strings.HasPrefix(line, "Issuer:"):
			current.Issuer = strings.TrimSpace(strings.TrimPrefix(line, "Issuer:"))
		case strings.HasPrefix(line, "Serial Number:"):
			current.Serial = strings.TrimSpace(strings.TrimPrefix(line, "Serial Number:"))
			if current.Subject != "" {
				status.Certificates = append(status.Certificates, current)
				current = p11token.CertificateRecord{}
			}
		}
	}
}
