package cluster

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantadb/quantadb/internal/qerr"
)

// Discoverer resolves the current set of peer addresses.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// NewDiscoverer builds the discoverer selected by the settings.
func NewDiscoverer(s DiscoverySettings) (Discoverer, error) {
	switch s.Method {
	case DiscoveryStatic, "":
		return staticDiscoverer{peers: s.Peers}, nil
	case DiscoveryDNS:
		return &dnsDiscoverer{name: s.DNSName}, nil
	case DiscoveryConsul:
		return &consulDiscoverer{addr: s.ConsulAddr, service: s.ConsulService}, nil
	case DiscoveryEtcd:
		return &etcdDiscoverer{endpoints: s.EtcdEndpoints, prefix: s.EtcdPrefix}, nil
	default:
		return nil, qerr.New(qerr.KindConfigInvalid, "unknown discovery method %q", s.Method)
	}
}

// staticDiscoverer returns the configured peer list.
type staticDiscoverer struct{ peers []string }

func (d staticDiscoverer) Discover(context.Context) ([]string, error) {
	return append([]string(nil), d.peers...), nil
}

// dnsDiscoverer resolves A/AAAA records for a service name.
type dnsDiscoverer struct{ name string }

func (d *dnsDiscoverer) Discover(ctx context.Context) ([]string, error) {
	host, port, err := net.SplitHostPort(d.name)
	if err != nil {
		host, port = d.name, ""
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "dns lookup %s", host)
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if port != "" {
			out = append(out, net.JoinHostPort(a, port))
		} else {
			out = append(out, a)
		}
	}
	return out, nil
}

// consulDiscoverer queries the Consul health HTTP API for passing service
// instances.
type consulDiscoverer struct {
	addr    string
	service string
}

func (d *consulDiscoverer) Discover(ctx context.Context) ([]string, error) {
	u := fmt.Sprintf("%s/v1/health/service/%s?passing=true", d.addr, url.PathEscape(d.service))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "consul request")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "consul query")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, qerr.New(qerr.KindIO, "consul returned %s", resp.Status)
	}
	var entries []struct {
		Service struct {
			Address string `json:"Address"`
			Port    int    `json:"Port"`
		} `json:"Service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "consul response")
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%s:%d", e.Service.Address, e.Service.Port))
	}
	return out, nil
}

// etcdDiscoverer lists peer registrations under a key prefix via the etcd
// v3 HTTP gateway.
type etcdDiscoverer struct {
	endpoints []string
	prefix    string
}

func (d *etcdDiscoverer) Discover(ctx context.Context) ([]string, error) {
	var lastErr error
	for _, ep := range d.endpoints {
		addrs, err := d.queryOne(ctx, ep)
		if err == nil {
			return addrs, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (d *etcdDiscoverer) queryOne(ctx context.Context, endpoint string) ([]string, error) {
	prefix := d.prefix
	if prefix == "" {
		prefix = "/quantadb/peers/"
	}
	end := []byte(prefix)
	end[len(end)-1]++
	body := fmt.Sprintf(`{"key":%q,"range_end":%q}`,
		base64.StdEncoding.EncodeToString([]byte(prefix)),
		base64.StdEncoding.EncodeToString(end))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/v3/kv/range", strings.NewReader(body))
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "etcd request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "etcd query")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, qerr.New(qerr.KindIO, "etcd returned %s", resp.Status)
	}
	var out struct {
		KVs []struct {
			Value string `json:"value"`
		} `json:"kvs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, qerr.Wrap(qerr.KindIO, err, "etcd response")
	}
	addrs := make([]string, 0, len(out.KVs))
	for _, kv := range out.KVs {
		if v, err := base64.StdEncoding.DecodeString(kv.Value); err == nil {
			addrs = append(addrs, string(v))
		}
	}
	return addrs, nil
}

var httpClient = &http.Client{Timeout: 5 * time.Second}
