//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/framering/dma"
	"github.com/romshark/framering/ifacestat"
	"github.com/romshark/framering/mmio"
	"github.com/romshark/framering/netdev"
	"github.com/romshark/framering/regmap"
	"github.com/romshark/framering/tap"
)

type Config struct {
	Device netdev.Config `yaml:"device"`

	Function struct {
		Kind         string `yaml:"kind"` // "dma" or "iomem".
		Addr         uint64 `yaml:"addr"`
		RxSize       uint64 `yaml:"rx-size"`
		TxSize       uint64 `yaml:"tx-size"`
		RxDMAChannel int    `yaml:"rx-dma-channel"`
		TxDMAChannel int    `yaml:"tx-dma-channel"`
	} `yaml:"function"`

	PCI struct {
		BAR0 string `yaml:"bar0"`
		BAR2 string `yaml:"bar2"`
	} `yaml:"pci"`

	TAP tap.Config `yaml:"tap"`

	StatsInterval time.Duration `yaml:"stats-interval"`
	LogLevel      string        `yaml:"log-level"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "ethd.yaml", "path to config YAML file")
	fBAR0 := flag.String("bar0", "", "BAR0 resource file")
	fBAR2 := flag.String("bar2", "", "BAR2 resource file")
	fKind := flag.String("k", "", "function kind (dma or iomem)")
	fTAP := flag.String("t", "", "tap interface name")
	fBudget := flag.Int("b", 0, "rx budget per poll tick (-1 for unbounded)")
	fVerbose := flag.Bool("v", false, "debug logging")

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
	if *fBAR0 != "" {
		conf.PCI.BAR0 = *fBAR0
	}
	if *fBAR2 != "" {
		conf.PCI.BAR2 = *fBAR2
	}
	if *fKind != "" {
		conf.Function.Kind = *fKind
	}
	if *fTAP != "" {
		conf.TAP.Name = *fTAP
	}
	if *fBudget != 0 {
		conf.Device.RxBudget = *fBudget
	}
	if *fVerbose {
		conf.LogLevel = "debug"
	}

	// Validate

	if conf.PCI.BAR0 == "" {
		return nil, errors.New("pci.bar0 must be set (or use -bar0)")
	}
	if _, err := parseKind(conf.Function.Kind); err != nil {
		return nil, err
	}
	if conf.Function.Kind == "dma" && conf.PCI.BAR2 == "" {
		return nil, errors.New("pci.bar2 must be set for dma functions (or use -bar2)")
	}
	if conf.TAP.Name == "" {
		conf.TAP.Name = conf.Device.Name
	}
	if conf.TAP.MTU < 0 || conf.TAP.MTU > 1500 {
		return nil, errors.New("unsupported tap.mtu")
	}
	if conf.StatsInterval == 0 {
		conf.StatsInterval = time.Second
	}
	if conf.LogLevel == "" {
		conf.LogLevel = "info"
	}
	if _, err := logrus.ParseLevel(conf.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log-level %q: %w", conf.LogLevel, err)
	}
	if err := conf.Device.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("invalid device config: %w", err)
	}

	return &conf, nil
}

func parseKind(s string) (regmap.Kind, error) {
	switch strings.ToLower(s) {
	case regmap.KindDMA.String():
		return regmap.KindDMA, nil
	case regmap.KindIOMem.String():
		return regmap.KindIOMem, nil
	}
	return 0, fmt.Errorf("function.kind must be dma or iomem, got %q", s)
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	level, _ := logrus.ParseLevel(conf.LogLevel)
	logrus.SetLevel(level)

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	kind, _ := parseKind(conf.Function.Kind)
	fn := regmap.Function{
		Kind:         kind,
		Addr:         uintptr(conf.Function.Addr),
		RxSize:       uintptr(conf.Function.RxSize),
		TxSize:       uintptr(conf.Function.TxSize),
		RxDMAChannel: conf.Function.RxDMAChannel,
		TxDMAChannel: conf.Function.TxDMAChannel,
	}

	bar0, err := mmio.MapFile(conf.PCI.BAR0, 0)
	fatalIf(err, "mapping BAR0 %s", conf.PCI.BAR0)
	defer bar0.Close()

	hw := netdev.Hardware{BAR0: bar0}
	if kind == regmap.KindDMA {
		// DMA memory is locked.
		fatalIf(rlimit.RemoveMemlock(), "removing memlock rlimit")

		bar2, err := mmio.MapFile(conf.PCI.BAR2, 0)
		fatalIf(err, "mapping BAR2 %s", conf.PCI.BAR2)
		defer bar2.Close()

		hugePages := &dma.HugePages{}
		defer hugePages.Close()

		hw.BAR2 = bar2
		hw.Allocator = hugePages
		hw.Registry = dma.NewRegistry(0)
	}

	host, err := tap.Open(conf.TAP)
	fatalIf(err, "opening tap %s", conf.TAP.Name)
	defer host.Close()

	dev, err := netdev.Attach(hw, fn, host, conf.Device)
	fatalIf(err, "attaching %s function at 0x%x", kind, fn.Addr)
	defer func() {
		if err := dev.Detach(); err != nil {
			logrus.WithError(err).Error("detaching")
		}
	}()

	fatalIf(host.SetHardwareAddr(dev.HardwareAddr()), "setting tap hardware address")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fatalIf(dev.Open(), "opening %s", dev.Name())
	defer dev.Close()

	hostDone := make(chan error, 1)
	go func() { hostDone <- host.Run(ctx, dev) }()

	start := time.Now()
	first := dev.Stats()
	go printStats(ctx, dev, conf.StatsInterval)

	select {
	case <-ctx.Done():
	case err := <-hostDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Error("tap reader stopped")
		}
	}
	stop()
	dev.Close()

	total := dev.Stats().Since(first)
	elapsed := time.Since(start).Seconds()

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets, %d bytes\n", total.TxPackets, total.TxBytes)
	p.Printf(" RX:                %d packets, %d bytes\n", total.RxPackets, total.RxBytes)
	p.Printf(" TX dropped:        %d\n", total.TxDropped)
	p.Printf(" RX dropped:        %d\n", total.RxDropped)
	p.Printf(" RX errors:         %d (crc %d, length %d, overrun %d)\n",
		total.RxErrors, total.RxCRCErrors, total.RxLengthErrors, total.RxOverErrors)
	p.Printf(" TX errors:         %d\n", total.TxErrors)
	p.Printf(" Link lost:         %d\n", total.LinkLost)
}

func printStats(ctx context.Context, dev *netdev.Device, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	last := dev.Stats()
	lastTime := time.Now()
	aliases := map[string]string{dev.Name(): dev.Kind().String()}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			cur := dev.Stats()
			d := cur.Since(last)
			dt := now.Sub(lastTime).Seconds()
			last, lastTime = cur, now

			fmt.Printf("carrier=%t TX-PPS=%.0f RX-PPS=%.0f TX-Mbps=%.1f RX-Mbps=%.1f\n",
				dev.Carrier(),
				float64(d.TxPackets)/dt, float64(d.RxPackets)/dt,
				float64(d.TxBytes*8)/1e6/dt, float64(d.RxBytes*8)/1e6/dt,
			)
			_ = ifacestat.Print(os.Stdout, map[string]ifacestat.Stats{dev.Name(): cur}, aliases)
		}
	}
}
