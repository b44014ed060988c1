package connectivity

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
)

// HTTPProber checks reachability with a single HTTP request. Any completed
// response counts as reachable, whatever its status; only transport errors
// and timeouts mean offline.
type HTTPProber struct {
	URL    string
	Method string
	Client *http.Client
}

// NewHTTPProber creates a HEAD prober for url.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Method: http.MethodHead,
		Client: &http.Client{Timeout: ProbeTimeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	method := p.Method
	if method == "" {
		method = http.MethodHead
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil
}

// InterfaceFlag reports whether any non-loopback interface is up and has an
// address. It is the cheap signal; it cannot see a LAN without internet.
func InterfaceFlag() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if len(addrs) > 0 {
			return true
		}
	}
	return false
}
