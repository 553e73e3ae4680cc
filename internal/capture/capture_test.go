package capture

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDNSQueryPacket(t *testing.T, qname string) gopacket.Packet {
	t.Helper()

	eth := layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.ParseIP("10.0.0.7").To4(),
		DstIP:    net.ParseIP("8.8.8.8").To4(),
		Protocol: layers.IPProtocolUDP,
	}
	udp := layers.UDP{SrcPort: 5000, DstPort: 53}
	udp.SetNetworkLayerForChecksum(&ip)

	dns := layers.DNS{
		QR: false,
		Questions: []layers.DNSQuestion{
			{Name: []byte(qname), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, &dns))

	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func buildHTTPHostPacket(t *testing.T, host string) gopacket.Packet {
	t.Helper()

	eth := layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.ParseIP("10.0.0.7").To4(),
		DstIP:    net.ParseIP("93.184.216.34").To4(),
		Protocol: layers.IPProtocolTCP,
	}
	tcp := layers.TCP{SrcPort: 40000, DstPort: 80, PSH: true, ACK: true}
	tcp.SetNetworkLayerForChecksum(&ip)

	payload := gopacket.Payload([]byte("GET / HTTP/1.1\r\nHost: " + host + "\r\nUser-Agent: test\r\n\r\n"))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &tcp, payload))

	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestExtractObservation_DNS(t *testing.T) {
	packet := buildDNSQueryPacket(t, "example.com")
	obs, ok := extractObservation(packet)
	require.True(t, ok, "expected an observation")
	assert.Equal(t, "example.com", obs.Hostname)
	assert.Equal(t, "10.0.0.7", obs.SrcIP.String())
}

func TestExtractObservation_DNSResponseIgnored(t *testing.T) {
	packet := buildDNSQueryPacket(t, "example.com")
	dnsLayer := packet.Layer(layers.LayerTypeDNS).(*layers.DNS)
	dnsLayer.QR = true
	_, ok := dnsQuestionName(packet)
	assert.False(t, ok, "expected DNS responses to be ignored")
}

func TestExtractObservation_HTTPHost(t *testing.T) {
	packet := buildHTTPHostPacket(t, "news.example.net")
	obs, ok := extractObservation(packet)
	require.True(t, ok, "expected an observation")
	assert.Equal(t, "news.example.net", obs.Hostname)
}

func TestExtractObservation_NoHostnameDropped(t *testing.T) {
	eth := layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.ParseIP("10.0.0.7").To4(),
		DstIP:    net.ParseIP("1.1.1.1").To4(),
		Protocol: layers.IPProtocolTCP,
	}
	tcp := layers.TCP{SrcPort: 40001, DstPort: 22, ACK: true}
	tcp.SetNetworkLayerForChecksum(&ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, &eth, &ip, &tcp))
	packet := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)

	_, ok := extractObservation(packet)
	assert.False(t, ok, "expected packet with no hostname signal to be dropped")
}

func TestObserver_ObservationsChannel(t *testing.T) {
	o := New("lo", nil)
	assert.NotNil(t, o.Observations(), "expected non-nil channel before Run")
}
