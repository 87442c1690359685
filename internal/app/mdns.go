package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_beaconmap._tcp"
	mdnsDomain      = "local."
	mdnsLabelMax    = 63
	mdnsFallback    = "beaconmap"
)

// startMDNS advertises the ingestion endpoint so field gateways can find it
// without a configured address.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = mdnsFallback
	}

	instance := mdnsInstanceName(hostname)
	txt := mdnsTXT(port, mdnsHostFQDN(hostname), a.cfg.MQTTTopic, a.cfg.MQTTBroker != "")

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "service", mdnsServiceType, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func mdnsTXT(port int, host, topic string, mqttEnabled bool) []string {
	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		"path=/postMeasurement",
		"proto=v1",
		"host=" + host,
	}
	if mqttEnabled {
		txt = append(txt, "mqtt_topic="+topic)
	}
	return txt
}

func mdnsInstanceName(hostname string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").
		Replace(strings.TrimSpace(fmt.Sprintf("BeaconMap Telemetry (%s)", hostname)))
	return truncateRunes(cleaned, mdnsLabelMax)
}

func mdnsHostFQDN(hostname string) string {
	label := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").
		Replace(strings.TrimSpace(strings.ToLower(hostname)))
	if label == "" {
		label = mdnsFallback
	}
	label = truncateRunes(label, mdnsLabelMax)
	if strings.Contains(label, ".") {
		return label
	}
	return label + ".local"
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
