package mirror

import (
	"net"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cpcache/cpcache/internal/kvstore"
)

// DetectFamilySupport 探测主机对 IPv4/IPv6 的实际可达性，并把结果持久化到
// ipv4_support/ipv6_support 表。已有记录时直接复用，避免每次启动都拨号。
func DetectFamilySupport(kv *kvstore.Store, candidates []string, logger *logrus.Logger) (ipv4, ipv6 bool) {
	target := probeTarget(candidates)

	ipv4 = cachedOrDial(kv.IPv4Supported, kv.SetIPv4Supported, "tcp4", target, logger)
	ipv6 = cachedOrDial(kv.IPv6Supported, kv.SetIPv6Supported, "tcp6", target, logger)
	return ipv4, ipv6
}

func cachedOrDial(
	lookup func() (bool, bool),
	persist func(bool) error,
	network, target string,
	logger *logrus.Logger,
) bool {
	if value, found := lookup(); found {
		return value
	}

	supported := dialSucceeds(network, target)
	if err := persist(supported); err != nil {
		logger.WithFields(logrus.Fields{
			"action":  "family_probe_persist",
			"network": network,
			"error":   err.Error(),
		}).Warn("failed to persist family probe")
	}

	logger.WithFields(logrus.Fields{
		"action":    "family_probe",
		"network":   network,
		"target":    target,
		"supported": supported,
	}).Info("address family probed")
	return supported
}

func dialSucceeds(network, target string) bool {
	conn, err := net.DialTimeout(network, target, 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// probeTarget 从首个镜像推导拨号目标，缺省退回 Arch 官方镜像状态主机。
func probeTarget(candidates []string) string {
	for _, candidate := range candidates {
		parsed, err := url.Parse(candidate)
		if err != nil || parsed.Host == "" {
			continue
		}
		host := parsed.Host
		if parsed.Port() == "" {
			if parsed.Scheme == "https" {
				host = net.JoinHostPort(parsed.Hostname(), "443")
			} else {
				host = net.JoinHostPort(parsed.Hostname(), "80")
			}
		}
		return host
	}
	return "archlinux.org:443"
}
