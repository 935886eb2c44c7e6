// Command bench pushes UDP frames through a device attached to a simulated
// controller whose wire loops every transmitted frame back into the
// receive ring, and reports the throughput of the whole path.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/framering/devsim"
	"github.com/romshark/framering/netdev"
	"github.com/romshark/framering/pace"
	"github.com/romshark/framering/regmap"
	"github.com/romshark/framering/ring"
)

type Config struct {
	Kind   string        `yaml:"kind"` // "dma" or "iomem".
	Device netdev.Config `yaml:"device"`

	Egress struct {
		DestMAC string `yaml:"dest-mac"`
		SrcIP   string `yaml:"src-ip"` // Not CLI-overwritable.
		DstIP   string `yaml:"dst-ip"`
		SrcPort int    `yaml:"src-port"`
		DstPort int    `yaml:"dst-port"`
		Rate    uint64 `yaml:"rate"` // Frames per second, 0 is unlimited.
	} `yaml:"egress"`

	// WireInterval is how often the simulated wire moves sent frames
	// back into the receive ring.
	WireInterval time.Duration `yaml:"wire-interval"`

	MTU   uint64 `yaml:"mtu"`
	Count uint64 `yaml:"count"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fKind := flag.String("k", "", "function kind (dma or iomem)")
	fDestMAC := flag.String("d", "", "dest mac")
	fDstIP := flag.String("D", "", "dst ip")
	fPort := flag.Int("p", 0, "dst udp port")
	fCount := flag.Uint64("n", 0, "packet count")
	fPktSize := flag.Uint("l", 1500, "pkt size")
	fRate := flag.Uint64("r", 0, "packets per second")
	fBudget := flag.Int("b", 0, "rx budget per poll tick (-1 for unbounded)")

	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fKind != "" {
		conf.Kind = *fKind
	}
	if *fDestMAC != "" {
		conf.Egress.DestMAC = *fDestMAC
	}
	if *fDstIP != "" {
		conf.Egress.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.Egress.DstPort = *fPort
	}
	if *fPktSize != 1500 {
		conf.MTU = uint64(*fPktSize)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fRate != 0 {
		conf.Egress.Rate = *fRate
	}
	if *fBudget != 0 {
		conf.Device.RxBudget = *fBudget
	}

	// Validate

	if _, err := parseKind(conf.Kind); err != nil {
		return nil, err
	}
	if conf.Egress.DestMAC == "" {
		return nil, errors.New("egress.dest-mac must be set")
	}
	if _, err := net.ParseMAC(conf.Egress.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid egress.dest-mac %q: %w", conf.Egress.DestMAC, err)
	}
	if net.ParseIP(conf.Egress.SrcIP).To4() == nil {
		return nil, fmt.Errorf("invalid egress.src-ip %q", conf.Egress.SrcIP)
	}
	if net.ParseIP(conf.Egress.DstIP).To4() == nil {
		return nil, fmt.Errorf("invalid egress.dst-ip %q", conf.Egress.DstIP)
	}
	if conf.Egress.DstPort <= 0 || conf.Egress.DstPort > 65535 {
		return nil, errors.New("egress.dst-port must be between 1-65535")
	}
	if conf.Egress.SrcPort <= 0 || conf.Egress.SrcPort > 65535 {
		return nil, errors.New("egress.src-port must be between 1-65535")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.MTU < 64 || conf.MTU > 1500 {
		return nil, errors.New("unsupported mtu")
	}
	if conf.WireInterval <= 0 {
		conf.WireInterval = 50 * time.Microsecond
	}
	if err := conf.Device.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("invalid device config: %w", err)
	}

	return &conf, nil
}

func parseKind(s string) (regmap.Kind, error) {
	switch s {
	case regmap.KindDMA.String():
		return regmap.KindDMA, nil
	case regmap.KindIOMem.String():
		return regmap.KindIOMem, nil
	}
	return 0, fmt.Errorf("kind must be dma or iomem, got %q", s)
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func buildUDPPacket(
	buf []byte,
	srcMAC, dstMAC net.HardwareAddr,
	srcIP, dstIP net.IP,
	srcPort, dstPort uint16,
	seq uint32,
	pktSize uint32,
) uint32 {

	const ethLen = 14
	const ipLen = 20
	const udpLen = 8

	minSize := uint32(ethLen + ipLen + udpLen + 4)
	if pktSize < minSize {
		pktSize = minSize
	}

	payloadLen := pktSize - (ethLen + ipLen + udpLen)

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8], ip[9] = 64, 17
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:20]))

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))

	payload := udp[8:]
	binary.BigEndian.PutUint32(payload, seq)

	return pktSize
}

type Stats struct {
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	TxBusy    atomic.Uint64

	RxPackets  atomic.Uint64
	RxBytes    atomic.Uint64
	RxSeqGaps  atomic.Uint64
	WireDrops  atomic.Uint64
	WireFrames atomic.Uint64

	Elapsed atomic.Int64
}

// sink is the benchmark's network stack. It counts delivered frames and
// lets the sender wait for the queue to resume.
type sink struct {
	stats   *Stats
	buf     []byte
	nextSeq uint32

	paused atomic.Bool
	wake   chan struct{}
}

func newSink(stats *Stats) *sink {
	s := &sink{stats: stats, buf: make([]byte, ring.MaxPayload), wake: make(chan struct{}, 1)}
	s.paused.Store(true)
	return s
}

// Alloc always hands out the same buffer. Deliver is called from the
// poll loop only, right after Alloc.
func (s *sink) Alloc(n int) []byte {
	if n > len(s.buf) {
		return nil
	}
	return s.buf[:n]
}

func (s *sink) Deliver(frame []byte) {
	s.stats.RxPackets.Add(1)
	s.stats.RxBytes.Add(uint64(len(frame)))
	if len(frame) < 46 {
		return
	}
	seq := binary.BigEndian.Uint32(frame[42:])
	if seq != s.nextSeq {
		s.stats.RxSeqGaps.Add(1)
	}
	s.nextSeq = seq + 1
}

func (s *sink) Pause() { s.paused.Store(true) }

func (s *sink) Resume() {
	s.paused.Store(false)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *sink) ReportLink(up bool) {
	logrus.WithField("up", up).Info("link changed")
}

// waitResumed blocks while the queue is paused.
func (s *sink) waitResumed(ctx context.Context) error {
	for s.paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// runWire moves every frame the controller transmitted back into its
// receive ring until ctx is canceled. Only IPv4 frames are looped back.
func runWire(ctx context.Context, sim *devsim.Controller, stats *Stats, every time.Duration) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Go(func() {
		_ = pace.New(every).Run(ctx, func() {
			sim.CompleteTx(-1)
			for _, f := range sim.Sent() {
				if len(f) < 14 || f[12] != 0x08 || f[13] != 0x00 {
					continue
				}
				stats.WireFrames.Add(1)
				if err := sim.InjectRx(f); err != nil {
					stats.WireDrops.Add(1)
				}
			}
		})
	})
	return &wg
}

func runSender(ctx context.Context, dev *netdev.Device, s *sink, conf *Config, stats *Stats) {
	srcMAC := dev.HardwareAddr()
	dstMAC, err := net.ParseMAC(conf.Egress.DestMAC)
	fatalIf(err, "parse dst mac")

	srcIP := net.ParseIP(conf.Egress.SrcIP).To4()
	dstIP := net.ParseIP(conf.Egress.DstIP).To4()
	srcPort := uint16(conf.Egress.SrcPort)
	dstPort := uint16(conf.Egress.DstPort)
	pktSize := uint32(conf.MTU)

	throttle := pace.NewThrottle(conf.Egress.Rate)
	buf := make([]byte, ring.MaxPayload)

	start := time.Now()
	for seq := uint32(0); uint64(seq) < conf.Count; {
		fatalIf(s.waitResumed(ctx), "waiting for tx queue")

		plen := buildUDPPacket(buf, srcMAC, dstMAC, srcIP, dstIP, srcPort, dstPort, seq, pktSize)
		if err := dev.Submit(buf[:plen]); err != nil {
			if errors.Is(err, netdev.ErrTxBusy) {
				stats.TxBusy.Add(1)
				continue
			}
			fatalIf(err, "submit")
		}
		stats.TxPackets.Add(1)
		stats.TxBytes.Add(uint64(plen))
		throttle.Add(1)
		seq++
	}
	stats.Elapsed.Store(time.Since(start).Nanoseconds())
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")
	logrus.SetLevel(logrus.WarnLevel)

	// Print final resolved config and exit if requested
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	kind, _ := parseKind(conf.Kind)
	sim := devsim.New(devsim.Config{Kind: kind})

	var stats Stats
	s := newSink(&stats)
	dev, err := netdev.Attach(netdev.Hardware{
		BAR0:      sim.BAR0(),
		BAR2:      sim.BAR2(),
		Allocator: sim.Allocator(),
	}, sim.Function(), s, conf.Device)
	fatalIf(err, "attaching device")
	defer func() { fatalIf(dev.Detach(), "detaching device") }()

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastTxPkts, lastTxBytes uint64
		var lastRxPkts, lastRxBytes uint64
		lastTime := time.Now()

		for range t.C {
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			txPkts := stats.TxPackets.Load()
			rxPkts := stats.RxPackets.Load()
			txBytes := stats.TxBytes.Load()
			rxBytes := stats.RxBytes.Load()

			dTxPkts := txPkts - lastTxPkts
			dRxPkts := rxPkts - lastRxPkts
			dTxBytes := txBytes - lastTxBytes
			dRxBytes := rxBytes - lastRxBytes

			lastTxPkts = txPkts
			lastTxBytes = txBytes
			lastRxPkts = rxPkts
			lastRxBytes = rxBytes

			txPPS := uint64(float64(dTxPkts) / dt)
			rxPPS := uint64(float64(dRxPkts) / dt)
			txMbps := float64(dTxBytes*8) / 1e6 / dt
			rxMbps := float64(dRxBytes*8) / 1e6 / dt

			fmt.Printf(
				"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
				txPkts, rxPkts, txPPS, rxPPS, txMbps, rxMbps,
			)
		}
	}()

	ctxWire, cancelWire := context.WithCancel(context.Background())
	defer cancelWire()
	wgWireDone := runWire(ctxWire, sim, &stats, conf.WireInterval)

	sim.SetLink(true)
	fatalIf(dev.Open(), "opening device")

	runSender(context.Background(), dev, s, conf, &stats)

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for transmission...\n", d)
		time.Sleep(d) // Wait for all packets to loop back to RX.
	}
	dev.Close()
	cancelWire()
	wgWireDone.Wait()

	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	txBytes := stats.TxBytes.Load()
	rxBytes := stats.RxBytes.Load()
	devStats := dev.Stats()

	drops := txPackets - min(rxPackets, txPackets)
	elapsed := float64(stats.Elapsed.Load()) / 1e9
	txAvgPPS := uint64(float64(txPackets) / elapsed)
	rxAvgPPS := uint64(float64(rxPackets) / elapsed)
	txAvgMbps := float64(txBytes*8) / 1e6 / elapsed
	rxAvgMbps := float64(rxBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Kind:              %s\n", kind)
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Printf(" TX busy:           %d\n", stats.TxBusy.Load())
	p.Printf(" Sequence gaps:     %d\n", stats.RxSeqGaps.Load())
	p.Printf(" Wire drops:        %d (rx overruns %d)\n", stats.WireDrops.Load(), devStats.RxOverErrors)
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(txPackets)*100)
}
