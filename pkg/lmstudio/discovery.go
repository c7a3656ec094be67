package lmstudio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hypernetix/fullmoon-go/pkg/logging"
)

// ErrServerNotFound is returned by Discover when no candidate answered.
var ErrServerNotFound = errors.New("no LM Studio server found on the local network")

const probeTimeout = 2 * time.Second

func generateUrls(hosts []string, ports []int) (urls []string) {
	if len(hosts) == 0 || hosts[0] == "" {
		hosts = LMStudioAPIHosts
	}
	if len(ports) == 0 || ports[0] == 0 {
		ports = LMStudioAPIPorts
	}
	for _, proto := range []string{"http", "https"} {
		for _, host := range hosts {
			for _, port := range ports {
				urls = append(urls, fmt.Sprintf("%s://%s:%d", proto, host, port))
			}
		}
	}
	return urls
}

// Discover looks for a running LM Studio server, first on host:port (or the
// defaults when empty), then on every non-loopback IPv4 interface.
func Discover(ctx context.Context, host string, port int, logger logging.Logger) (string, error) {
	logger = logging.OrDefault(logger)
	client := &http.Client{Timeout: probeTimeout}

	logger.Debug("Attempting to discover LM Studio server...")
	for _, u := range generateUrls([]string{host}, []int{port}) {
		if probe(ctx, client, u, logger) {
			logger.Debug("LM Studio server found at %s", u)
			return u, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}
	var ips []string
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP.String())
		}
	}
	if len(ips) == 0 {
		return "", ErrServerNotFound
	}
	for _, u := range generateUrls(ips, []int{port}) {
		if probe(ctx, client, u, logger) {
			logger.Info("LM Studio server found at %s", u)
			return u, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", ErrServerNotFound
}

// probe reports whether baseURL answers GET /v1/models with 200.
func probe(ctx context.Context, client *http.Client, baseURL string, logger logging.Logger) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Debug("Failed to connect to %s: %v", baseURL, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Debug("Received unexpected status code %d from %s", resp.StatusCode, baseURL)
		return false
	}
	return true
}
