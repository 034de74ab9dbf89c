// Package pcap aggregates packets from capture files into flow records.
package pcap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hed1ad/flowguard/pkg/flow"
	flowio "github.com/hed1ad/flowguard/pkg/io"
)

var _ flowio.FlowReader = (*Reader)(nil)

// DefaultIdleTimeout closes a flow after this much silence.
const DefaultIdleTimeout = 60 * time.Second

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Reader reads packets from pcap or pcapng input and emits one flow per
// 5-tuple activity period. Only headers are decoded.
type Reader struct {
	closer io.Closer
	source packetSource
	agg    *aggregator

	mu  sync.Mutex
	err error
}

// Option configures a Reader.
type Option func(*Reader)

// WithIdleTimeout sets how long a 5-tuple may stay silent before its flow
// is closed.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.agg.idle = d
		}
	}
}

// Open creates a reader for a capture file.
func Open(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReader creates a reader over src, detecting pcap or pcapng from the
// file magic. Close does not close src.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	br := bufio.NewReader(src)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var ps packetSource
	if bytes.Equal(magic, ngMagic) {
		ps, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		ps, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}

	r := &Reader{
		source: ps,
		agg:    newAggregator(DefaultIdleTimeout),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Read returns every flow in the capture ordered by first packet.
func (r *Reader) Read() ([]flow.Flow, error) {
	var data []flow.Flow
	err := r.run(func(f flow.Flow) bool {
		data = append(data, f)
		return true
	})
	sortByID(data)
	return data, err
}

// Stream emits flows as they close. Flows still open at end of input are
// emitted last.
func (r *Reader) Stream(ctx context.Context) (<-chan flow.Flow, error) {
	out := make(chan flow.Flow, 1000)

	go func() {
		defer close(out)
		err := r.run(func(f flow.Flow) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
		}
	}()

	return out, nil
}

// Err returns the error that ended Stream, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// run feeds every packet to the aggregator and passes closed flows to emit
// until it returns false.
func (r *Reader) run(emit func(flow.Flow) bool) error {
	linkType := r.source.LinkType()
	for {
		data, ci, err := r.source.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}

		packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		info, ok := extract(packet, ci)
		if !ok {
			continue
		}
		for _, f := range r.agg.add(info) {
			if !emit(f) {
				return nil
			}
		}
	}
	for _, f := range r.agg.flush() {
		if !emit(f) {
			return nil
		}
	}
	return nil
}

// packetInfo is the header summary of one IP packet.
type packetInfo struct {
	key    flowKey
	ts     time.Time
	length int
	flags  uint8
}

type flowKey struct {
	srcIP, dstIP     string
	srcPort, dstPort int
	proto            string
}

// extract reads the network and transport headers. Non-IP packets are
// skipped.
func extract(packet gopacket.Packet, ci gopacket.CaptureInfo) (packetInfo, bool) {
	info := packetInfo{ts: ci.Timestamp, length: ci.Length}
	if info.length == 0 {
		info.length = len(packet.Data())
	}

	var ipProto layers.IPProtocol
	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		info.key.srcIP, info.key.dstIP = ip.SrcIP.String(), ip.DstIP.String()
		ipProto = ip.Protocol
	} else if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip := ipLayer.(*layers.IPv6)
		info.key.srcIP, info.key.dstIP = ip.SrcIP.String(), ip.DstIP.String()
		ipProto = ip.NextHeader
	} else {
		return info, false
	}

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		info.key.proto = "tcp"
		info.key.srcPort, info.key.dstPort = int(tcp.SrcPort), int(tcp.DstPort)
		info.flags = tcpFlags(tcp)
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		info.key.proto = "udp"
		info.key.srcPort, info.key.dstPort = int(udp.SrcPort), int(udp.DstPort)
	} else if packet.Layer(layers.LayerTypeICMPv4) != nil {
		info.key.proto = "icmp"
	} else if packet.Layer(layers.LayerTypeICMPv6) != nil {
		info.key.proto = "icmpv6"
	} else {
		info.key.proto = strconv.Itoa(int(ipProto))
	}
	return info, true
}

// tcpFlags converts TCP flags to the header bitmask.
func tcpFlags(tcp *layers.TCP) uint8 {
	var flags uint8
	set := func(on bool, bit uint8) {
		if on {
			flags |= bit
		}
	}
	set(tcp.FIN, flow.FlagFIN)
	set(tcp.SYN, flow.FlagSYN)
	set(tcp.RST, flow.FlagRST)
	set(tcp.PSH, flow.FlagPSH)
	set(tcp.ACK, flow.FlagACK)
	set(tcp.URG, flow.FlagURG)
	set(tcp.ECE, flow.FlagECE)
	set(tcp.CWR, flow.FlagCWR)
	return flags
}
