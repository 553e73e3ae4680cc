// Package capture implements the Hostname Observer: it taps the hotspot
// interface and emits a bounded stream of Observations, one per frame that
// carries a DNS query name, an HTTP Host header, or a TLS SNI extension.
package capture

import (
	"net"
	"strings"
	"time"

	"github.com/dreadl0ck/tlsx"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	wardenerrors "wardennet/internal/errors"
	"wardennet/internal/logging"
)

// bpfFilter selects only traffic on the ports that can carry a hostname:
// UDP/53 (DNS), TCP/80 (HTTP) and TCP/443 (TLS). Every packet on those ports
// passes; extractObservation picks out the ones that name a host.
const bpfFilter = "udp port 53 or (tcp port 80) or (tcp port 443)"

// Observation is one hostname seen on the wire, attributed to its source IP.
type Observation struct {
	Ts       time.Time
	SrcIP    net.IP
	Hostname string
}

// Observer taps a live interface and emits Observations over a channel.
// The observer never writes to storage directly; that is the Detection Log's
// job, driven by whatever consumes the channel.
type Observer struct {
	iface        string
	snaplen      int32
	log          *logging.Logger
	handle       *pcap.Handle
	observations chan Observation
}

// New constructs an Observer for the given interface. Opening the live
// capture handle is deferred to Run so construction never fails on
// permissions alone.
func New(iface string, log *logging.Logger) *Observer {
	return &Observer{
		iface:        iface,
		snaplen:      1600,
		log:          log,
		observations: make(chan Observation, 1024),
	}
}

// Observations returns the channel Run publishes to. Safe to range over
// from a single consumer goroutine.
func (o *Observer) Observations() <-chan Observation {
	return o.observations
}

// Run opens the live capture and blocks, publishing Observations until done
// is closed or the packet source ends. A failure to open the handle (for
// example a permission failure) is returned immediately; a packet source
// that ends is returned as a KindUnavailable error. Run does not log read
// errors itself. The Observations channel is closed when Run returns.
func (o *Observer) Run(done <-chan struct{}) error {
	defer close(o.observations)
	handle, err := pcap.OpenLive(o.iface, o.snaplen, true, pcap.BlockForever)
	if err != nil {
		return wardenerrors.Wrapf(err, wardenerrors.KindUnavailable, "open capture on %s", o.iface)
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return wardenerrors.Wrapf(err, wardenerrors.KindInternal, "set BPF filter on %s", o.iface)
	}
	o.handle = handle
	defer handle.Close()

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()

	for {
		select {
		case <-done:
			return nil
		case packet, ok := <-packets:
			if !ok {
				return wardenerrors.Errorf(wardenerrors.KindUnavailable, "capture on %s: packet source closed", o.iface)
			}
			if packet == nil {
				continue
			}
			obs, ok := extractObservation(packet)
			if !ok {
				continue
			}
			select {
			case o.observations <- obs:
			case <-done:
				return nil
			}
		}
	}
}

// Close releases the underlying capture handle, if open.
func (o *Observer) Close() {
	if o.handle != nil {
		o.handle.Close()
	}
}

// extractObservation inspects a single packet and returns the first
// non-empty of (DNS qname, HTTP host, TLS SNI), per spec order.
func extractObservation(packet gopacket.Packet) (Observation, bool) {
	netLayer := packet.NetworkLayer()
	if netLayer == nil {
		return Observation{}, false
	}
	srcIP := net.ParseIP(netLayer.NetworkFlow().Src().String())
	if srcIP == nil {
		return Observation{}, false
	}

	ts := packet.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if hostname, ok := dnsQuestionName(packet); ok {
		return Observation{Ts: ts, SrcIP: srcIP, Hostname: hostname}, true
	}
	if hostname, ok := httpHost(packet); ok {
		return Observation{Ts: ts, SrcIP: srcIP, Hostname: hostname}, true
	}
	if hostname, ok := tlsSNI(packet); ok {
		return Observation{Ts: ts, SrcIP: srcIP, Hostname: hostname}, true
	}
	return Observation{}, false
}

func dnsQuestionName(packet gopacket.Packet) (string, bool) {
	dnsLayer := packet.Layer(layers.LayerTypeDNS)
	if dnsLayer == nil {
		return "", false
	}
	dns, ok := dnsLayer.(*layers.DNS)
	if !ok || dns.QR || len(dns.Questions) == 0 {
		return "", false
	}
	name := strings.TrimSuffix(string(dns.Questions[0].Name), ".")
	if name == "" {
		return "", false
	}
	return name, true
}

// httpHost does a bounded scan for a "Host:" header in a raw TCP/80 payload.
// The pack's gopacket fork carries no HTTP application layer, so this mirrors
// the teacher's own manual-byte-inspection style for TLS record detection.
func httpHost(packet gopacket.Packet) (string, bool) {
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return "", false
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok || tcp.DstPort != 80 {
		return "", false
	}
	payload := tcp.Payload
	if len(payload) == 0 {
		return "", false
	}

	const maxScan = 2048
	if len(payload) > maxScan {
		payload = payload[:maxScan]
	}
	text := string(payload)
	idx := strings.Index(strings.ToLower(text), "host:")
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len("host:"):]
	end := strings.IndexAny(rest, "\r\n")
	if end < 0 {
		return "", false
	}
	host := strings.TrimSpace(rest[:end])
	if host == "" {
		return "", false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host, true
}

// tlsSNI parses a TLS ClientHello for the SNI extension.
func tlsSNI(packet gopacket.Packet) (string, bool) {
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return "", false
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok || tcp.DstPort != 443 {
		return "", false
	}
	payload := tcp.Payload
	if len(payload) < 6 || payload[0] != 0x16 || payload[5] != 0x01 {
		return "", false
	}

	var hello tlsx.ClientHelloBasic
	if err := hello.Unmarshal(payload); err != nil {
		return "", false
	}
	if hello.SNI == "" {
		return "", false
	}
	return hello.SNI, true
}
