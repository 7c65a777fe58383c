package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrPrivateAddress is returned when an outbound connection would reach a
// loopback, private, link-local or multicast address.
var ErrPrivateAddress = errors.New("destination address is not public")

func IsPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}

// GuardDialer makes d refuse non-public destinations. The check runs after
// DNS resolution, so hostnames that resolve to internal addresses are
// refused too.
func GuardDialer(d *net.Dialer) *net.Dialer {
	d.Control = func(network, address string, _ syscall.RawConn) error {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return err
		}
		ip := net.ParseIP(host)
		if ip == nil || !IsPublicIP(ip) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
		}
		return nil
	}
	return d
}

// PublicHTTPClient returns a client that only connects to public addresses.
// Proxies are not used; a proxy would bypass the check.
func PublicHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = GuardDialer(&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}
