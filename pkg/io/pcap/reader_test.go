package pcap

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/flowguard/pkg/flow"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type pkt struct {
	at       time.Duration
	src, dst string
	sport    uint16
	dport    uint16
	udp      bool
	syn, ack bool
	payload  int
}

func serialize(t *testing.T, p pkt) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4,
		IHL:     5,
		TTL:     64,
		SrcIP:   net.ParseIP(p.src).To4(),
		DstIP:   net.ParseIP(p.dst).To4(),
	}
	payload := gopacket.Payload(make([]byte, p.payload))

	var l4 gopacket.SerializableLayer
	if p.udp {
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{SrcPort: layers.UDPPort(p.sport), DstPort: layers.UDPPort(p.dport)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		l4 = udp
	} else {
		ip.Protocol = layers.IPProtocolTCP
		tcp := &layers.TCP{SrcPort: layers.TCPPort(p.sport), DstPort: layers.TCPPort(p.dport), SYN: p.syn, ACK: p.ack, Window: 1024}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		l4 = tcp
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, l4, payload))
	return buf.Bytes()
}

func capture(t *testing.T, pkts []pkt) []byte {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for _, p := range pkts {
		data := serialize(t, p)
		ci := gopacket.CaptureInfo{Timestamp: base.Add(p.at), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return out.Bytes()
}

func sessionPackets() []pkt {
	return []pkt{
		{at: 0, src: "10.0.0.1", dst: "10.0.0.2", sport: 40000, dport: 443, syn: true},
		{at: 100 * time.Millisecond, src: "10.0.0.2", dst: "10.0.0.1", sport: 443, dport: 40000, syn: true, ack: true},
		{at: 200 * time.Millisecond, src: "10.0.0.1", dst: "10.0.0.2", sport: 40000, dport: 443, ack: true, payload: 100},
		{at: time.Second, src: "10.0.0.3", dst: "10.0.0.9", sport: 5353, dport: 53, udp: true, payload: 20},
		// Same 5-tuple after two idle minutes starts a new flow.
		{at: 3 * time.Minute, src: "10.0.0.1", dst: "10.0.0.2", sport: 40000, dport: 443, ack: true},
	}
}

func TestRead(t *testing.T) {
	r, err := NewReader(bytes.NewReader(capture(t, sessionPackets())))
	require.NoError(t, err)
	defer r.Close()

	flows, err := r.Read()
	require.NoError(t, err)
	require.Len(t, flows, 4)

	first := flows[0]
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, base, first.Timestamp)
	assert.Equal(t, "10.0.0.1", first.SrcIP)
	assert.Equal(t, "10.0.0.2", first.DstIP)
	assert.Equal(t, 443, first.DstPort)
	assert.Equal(t, "tcp", first.Proto)
	assert.Equal(t, uint64(2), first.Packets)
	assert.InDelta(t, 0.2, first.Duration, 1e-9)
	assert.Equal(t, flow.FlagSYN|flow.FlagACK, flow.FlagsCode(first.TCPFlags))
	assert.Greater(t, first.Bytes, uint64(100))

	reply := flows[1]
	assert.Equal(t, "10.0.0.2", reply.SrcIP)
	assert.Equal(t, uint64(1), reply.Packets)

	dns := flows[2]
	assert.Equal(t, "udp", dns.Proto)
	assert.Equal(t, 53, dns.DstPort)
	assert.Empty(t, dns.TCPFlags)

	again := flows[3]
	assert.Equal(t, base.Add(3*time.Minute), again.Timestamp)
	assert.Equal(t, uint64(1), again.Packets)
	assert.Zero(t, again.Duration)

	for _, f := range flows {
		assert.NoError(t, f.Validate())
	}
}

func TestIdleTimeoutOption(t *testing.T) {
	r, err := NewReader(bytes.NewReader(capture(t, sessionPackets())), WithIdleTimeout(10*time.Minute))
	require.NoError(t, err)

	flows, err := r.Read()
	require.NoError(t, err)
	require.Len(t, flows, 3)
	assert.Equal(t, uint64(3), flows[0].Packets)
}

func TestStream(t *testing.T) {
	r, err := NewReader(bytes.NewReader(capture(t, sessionPackets())))
	require.NoError(t, err)

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var ids []int64
	for f := range ch {
		ids = append(ids, f.ID)
	}
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, ids)
	assert.NoError(t, r.Err())
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.pcap")
	require.NoError(t, os.WriteFile(path, capture(t, sessionPackets()), 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	flows, err := r.Read()
	require.NoError(t, err)
	assert.Len(t, flows, 4)
	assert.NoError(t, r.Close())

	_, err = Open(filepath.Join(t.TempDir(), "absent.pcap"))
	assert.Error(t, err)
}

func TestNotACapture(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("ts,src_ip,dst_ip\n")))
	assert.Error(t, err)

	_, err = NewReader(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestAggregatorSweep(t *testing.T) {
	a := newAggregator(time.Minute)
	k1 := flowKey{srcIP: "a", dstIP: "b", srcPort: 1, dstPort: 2, proto: "tcp"}
	k2 := flowKey{srcIP: "c", dstIP: "d", srcPort: 1, dstPort: 2, proto: "udp"}

	assert.Empty(t, a.add(packetInfo{key: k1, ts: base, length: 60}))
	assert.Empty(t, a.add(packetInfo{key: k2, ts: base.Add(30 * time.Second), length: 60}))

	closed := a.add(packetInfo{key: k2, ts: base.Add(80 * time.Second), length: 60})
	require.Len(t, closed, 1)
	assert.Equal(t, "a", closed[0].SrcIP)

	rest := a.flush()
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(2), rest[0].Packets)
	assert.InDelta(t, 50, rest[0].Duration, 1e-9)
	assert.Empty(t, a.flush())
}
