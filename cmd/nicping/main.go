// Command nicping brings up a Realtek NIC behind a DesignWare PCIe root
// complex and pings a peer over it. It enumerates the device through the
// root complex's translation regions, maps its register BAR, initializes
// the descriptor rings and runs ICMP echo exchanges.
//
// Three transports are available: raw hardware through /dev/mem (the
// default), an ordinary kernel interface via -iface, and a self-contained
// in-memory model via -sim.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c35s/bringup/atu"
	"github.com/c35s/bringup/hw"
	"github.com/c35s/bringup/link"
	"github.com/c35s/bringup/pci"
	"github.com/c35s/bringup/ping"
	"github.com/c35s/bringup/rtl"
	"github.com/c35s/bringup/sim"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// DMA arena layout, relative to the -dma base.
const (
	dmaTxDesc = 0x0000
	dmaRxDesc = 0x1000
	dmaTxBufs = 0x2000
	dmaRxBufs = 0x4000
	dmaSize   = 0x10000
)

func main() {
	var (
		ifname   = flag.String("iface", "", "ping over a kernel interface instead of raw hardware")
		simulate = flag.Bool("sim", false, "ping an in-memory hardware model")

		dbi       = flag.Uint64("dbi", 0xa40c00000, "root complex DBI base address")
		cfgWindow = flag.Uint64("cfg-window", 0xf3000000, "host window for config space access")
		memWindow = flag.Uint64("mem-window", 0x9c0100000, "host window for the device's register BAR")
		dma       = flag.Uint64("dma", 0x50200000, "base of the DMA arena for rings and buffers")
		barIdx    = flag.Int("bar", 2, "BAR holding the controller registers")

		srcIP  = flag.String("src", "192.168.10.2", "source IPv4 address")
		dstIP  = flag.String("dst", "192.168.10.1", "destination IPv4 address")
		dstMAC = flag.String("dst-mac", "38:f7:cd:c8:d9:32", "destination MAC address")

		count    = flag.Int("count", 4, "number of echo requests to send")
		interval = flag.Duration("interval", time.Second, "delay between echo requests")
		timeout  = flag.Duration("timeout", 2*time.Second, "wait per receive attempt")
	)

	flag.Parse()

	var h slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		h = slog.NewTextHandler(os.Stderr, nil)
	} else {
		h = slog.NewJSONHandler(os.Stderr, nil)
	}

	slog.SetDefault(slog.New(h))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := runConfig{
		ifname:    *ifname,
		simulate:  *simulate,
		dbi:       *dbi,
		cfgWindow: hw.Region{Addr: *cfgWindow, Size: 1 << 20},
		memWindow: hw.Region{Addr: *memWindow, Size: 1 << 16},
		dma:       hw.Region{Addr: *dma, Size: dmaSize},
		barIdx:    *barIdx,
		srcIP:     *srcIP,
		dstIP:     *dstIP,
		dstMAC:    *dstMAC,
		count:     *count,
		interval:  *interval,
		timeout:   *timeout,
	}

	if err := run(ctx, cfg); err != nil {
		slog.Error("nicping failed", "err", err)
		os.Exit(1)
	}
}

type runConfig struct {
	ifname   string
	simulate bool

	dbi       uint64
	cfgWindow hw.Region
	memWindow hw.Region
	dma       hw.Region
	barIdx    int

	srcIP  string
	dstIP  string
	dstMAC string

	count    int
	interval time.Duration
	timeout  time.Duration
}

func run(ctx context.Context, cfg runConfig) error {
	self, peer, err := endpoints(cfg)
	if err != nil {
		return err
	}

	var l link.Link

	switch {
	case cfg.ifname != "":
		p, err := link.ListenPacket(cfg.ifname)
		if err != nil {
			return err
		}

		defer p.Close()
		copy(self.MAC[:], p.HardwareAddr())
		l = p

	case cfg.simulate:
		dev, err := simBringUp(cfg)
		if err != nil {
			return err
		}

		self.MAC = dev.MAC()
		peer.MAC = self.MAC // the model reflects echoes back at us
		l = dev

	default:
		mem, err := hw.OpenDevMem()
		if err != nil {
			return err
		}

		defer mem.Close()

		windows := []hw.Region{
			{Addr: cfg.dbi + atu.UnrollBase, Size: 0x1000},
			cfg.cfgWindow,
			cfg.memWindow,
			cfg.dma,
		}

		for _, w := range windows {
			if err := mem.Map(w); err != nil {
				return err
			}
		}

		dev, err := bringUp(cfg, mem, mem.MemAt, mem.Cache())
		if err != nil {
			return err
		}

		self.MAC = dev.MAC()
		l = dev
	}

	slog.Info("link is up", "mac", net.HardwareAddr(self.MAC[:]).String())

	p := &ping.Pinger{
		Link:    l,
		Self:    self,
		Peer:    peer,
		ID:      uint16(os.Getpid()),
		Timeout: cfg.timeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for seq := 1; seq <= cfg.count; seq++ {
			rtt, err := p.Ping(uint16(seq))
			switch {
			case errors.Is(err, ping.ErrNoReply):
				slog.Warn("no reply", "seq", seq)

			case err != nil:
				return err

			default:
				slog.Info("reply", "from", peer.IP.String(), "seq", seq, "rtt", rtt)
			}

			if seq == cfg.count {
				break
			}

			select {
			case <-time.After(cfg.interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return nil
	})

	return g.Wait()
}

// bringUp enumerates the NIC through the root complex and initializes its
// descriptor rings. It returns an operational driver whose register access
// runs through the memory window the swing region was left mapped to.
func bringUp(cfg runConfig, mem hw.Mem, memAt hw.MemAt, cache hw.CacheOps) (*rtl.Device, error) {
	space, err := pci.New(pci.Config{
		ATU:       atu.New(mem, cfg.dbi),
		Mem:       mem,
		CfgWindow: cfg.cfgWindow,
		MemWindow: cfg.memWindow,
	})

	if err != nil {
		return nil, err
	}

	id, err := space.Scan()
	if err != nil {
		return nil, err
	}

	slog.Info("found device",
		"vendor", fmt.Sprintf("%#04x", id.Vendor),
		"device", fmt.Sprintf("%#04x", id.Device),
		"class", fmt.Sprintf("%#06x", id.Class),
		"name", deviceName(id))

	bar, err := space.BAR(cfg.barIdx)
	if err != nil {
		return nil, err
	}

	if bar.IsIO || bar.Size == 0 {
		return nil, fmt.Errorf("nicping: BAR %d is not a memory BAR", cfg.barIdx)
	}

	slog.Info("sized BAR", "bar", cfg.barIdx,
		"addr", fmt.Sprintf("%#x", bar.Addr),
		"size", fmt.Sprintf("%#x", bar.Size),
		"is64", bar.Is64)

	if err := space.Enable(bar.Addr); err != nil {
		return nil, err
	}

	if err := space.MapBAR(bar.Addr); err != nil {
		return nil, err
	}

	return rtl.New(rtl.Config{
		Regs:    mem,
		RegBase: cfg.memWindow.Addr,
		MemAt:   memAt,
		Cache:   cache,
		TxDesc:  hw.Region{Addr: cfg.dma.Addr + dmaTxDesc, Size: 0x1000},
		RxDesc:  hw.Region{Addr: cfg.dma.Addr + dmaRxDesc, Size: 0x1000},
		TxBufs:  hw.Region{Addr: cfg.dma.Addr + dmaTxBufs, Size: 0x2000},
		RxBufs:  hw.Region{Addr: cfg.dma.Addr + dmaRxBufs, Size: 0x2000},
	})
}

// simBringUp runs the same bring-up sequence against the in-memory model,
// with echo requests answered by a reflector.
func simBringUp(cfg runConfig) (*rtl.Device, error) {
	d := sim.New(sim.Config{
		DBIBase: cfg.dbi,
		DMA:     cfg.dma,
		Handler: ping.Reflect,
	})

	return bringUp(cfg, d, d.MemAt, hw.NopCache{})
}

func endpoints(cfg runConfig) (self, peer ping.Endpoint, err error) {
	if self.IP, err = netip.ParseAddr(cfg.srcIP); err != nil {
		return self, peer, fmt.Errorf("nicping: source address: %w", err)
	}

	if peer.IP, err = netip.ParseAddr(cfg.dstIP); err != nil {
		return self, peer, fmt.Errorf("nicping: destination address: %w", err)
	}

	mac, err := net.ParseMAC(cfg.dstMAC)
	if err != nil {
		return self, peer, fmt.Errorf("nicping: destination MAC: %w", err)
	}

	copy(peer.MAC[:], mac)
	return self, peer, nil
}

func deviceName(id pci.Identity) string {
	if id.Vendor != 0x10ec {
		return "unknown"
	}

	switch id.Device {
	case 0x8125:
		return "RTL8125"

	case 0x8168, 0x8169:
		return "RTL8169"

	default:
		return "Realtek"
	}
}
