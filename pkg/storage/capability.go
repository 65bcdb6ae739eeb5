package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openhex/openhex/pkg/log"
)

// Capability is the protocol level a remote endpoint supports. It is
// derived once per endpoint at session start and never re-derived
// mid-session; picking up a backend upgrade requires a new session.
type Capability int

const (
	CapabilityUnknown Capability = iota
	// CapabilityLegacy is the shared dumb store: files only, strict
	// rate limits, no accounts.
	CapabilityLegacy
	// CapabilityBasicHTTP is the purpose-built file API.
	CapabilityBasicHTTP
	// CapabilityExtendedHTTP adds the realtime update feed.
	CapabilityExtendedHTTP
)

func (c Capability) String() string {
	switch c {
	case CapabilityLegacy:
		return "legacy"
	case CapabilityBasicHTTP:
		return "basic-http"
	case CapabilityExtendedHTTP:
		return "extended-http"
	default:
		return "unknown"
	}
}

// FeatureSet is the capability descriptor a basic-HTTP server may
// return from its liveness endpoint. The zero value describes a server
// that predates the descriptor.
type FeatureSet struct {
	AuthVersion int `json:"authVersion"`
	ChatVersion int `json:"chatVersion,omitempty"`
}

type versionDescriptor struct {
	APIVersion int    `json:"apiVersion"`
	Version    string `json:"version,omitempty"`
}

const DefaultProbeTimeout = 10 * time.Second

// Detect probes the endpoint and returns the protocol level it
// exposes, per the documented precedence: the well-known legacy
// address short-circuits without network traffic, then the liveness
// endpoint indicates basic support, then the version endpoint
// indicates extended support.
//
// Connectivity failures return CapabilityUnknown with a nil error when
// suppressErrors is set, and an *ErrNetwork otherwise. The probe uses
// an isolated transport that never shares connection pools with
// operational traffic.
func Detect(ctx context.Context, endpoint string, suppressErrors bool, timeout time.Duration) (Capability, *FeatureSet, error) {
	if strings.EqualFold(strings.TrimSpace(endpoint), WellKnownLegacyServer) {
		return CapabilityLegacy, nil, nil
	}

	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	transport := &http.Transport{}
	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
	defer transport.CloseIdleConnections()

	base := NormalizeURL(endpoint)

	body, err := probe(ctx, client, base+"isalive")
	if err == nil {
		features := parseFeatureSet(body)
		if features != nil || strings.HasPrefix(strings.TrimSpace(string(body)), "true") {
			if features == nil {
				features = &FeatureSet{}
			}
			log.Debug("Endpoint %s detected as %s", endpoint, CapabilityBasicHTTP)
			return CapabilityBasicHTTP, features, nil
		}
		// The endpoint answered but is not a recognized liveness
		// response; fall through to the version probe.
		err = fmt.Errorf("unrecognized liveness response")
	}
	livenessErr := err

	body, err = probe(ctx, client, base+"api/version")
	if err == nil {
		descriptor := &versionDescriptor{}
		if jsonErr := json.Unmarshal(body, descriptor); jsonErr == nil && descriptor.APIVersion > 0 {
			log.Debug("Endpoint %s detected as %s (api version %d)", endpoint, CapabilityExtendedHTTP, descriptor.APIVersion)
			return CapabilityExtendedHTTP, &FeatureSet{AuthVersion: 1}, nil
		}
		err = fmt.Errorf("unrecognized version response")
	}

	if IsNetwork(livenessErr) && IsNetwork(err) {
		if suppressErrors {
			log.Debug("Endpoint %s unreachable: %v", endpoint, err)
			return CapabilityUnknown, nil, nil
		}
		return CapabilityUnknown, nil, err
	}
	return CapabilityUnknown, nil, fmt.Errorf("endpoint %s does not speak a supported protocol: %v", endpoint, err)
}

func probe(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ErrNetwork{Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrNetwork{Cause: err}
	}
	return body, nil
}

func parseFeatureSet(body []byte) *FeatureSet {
	// A bare "null" (or nothing at all) unmarshals into a struct
	// without error, but it is not a capability descriptor.
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	features := &FeatureSet{}
	if err := json.Unmarshal(body, features); err != nil {
		return nil
	}
	return features
}
