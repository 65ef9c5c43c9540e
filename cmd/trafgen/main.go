// Author: momentics <momentics@gmail.com>
//
// trafgen is a high-throughput raw-frame generator: it reads a packet
// template file, transmits the resulting frames on a network interface
// across a configurable number of workers, and optionally cross-checks
// liveness with an ICMP smoke probe.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/momentics/trafgen/api"
	"github.com/momentics/trafgen/config"
	"github.com/momentics/trafgen/control"
	"github.com/momentics/trafgen/iface"
	"github.com/momentics/trafgen/packet"
	"github.com/momentics/trafgen/pool"
	"github.com/momentics/trafgen/ring"
	"github.com/momentics/trafgen/slowpath"
	"github.com/momentics/trafgen/smoke"
	"github.com/momentics/trafgen/worker"

	"golang.org/x/sys/unix"
)

const version = "trafgen 0.1.0"

type flags struct {
	dev, devTrans string
	conf          string
	cpp           bool
	jumbo         bool
	rfraw         bool
	smokeTest     string
	num           uint64
	rnd           bool
	cpus          uint
	gap           uint64
	ringSize      string
	kernelPull    uint64
	seed          int64
	haveSeed      bool
	uid, gid      int
	verbose       bool
	showVersion   bool
}

func parseFlags() *flags {
	f := &flags{}
	reg := func(short, long string, dst *string, def, usage string) {
		flag.StringVar(dst, short, def, usage)
		flag.StringVar(dst, long, def, usage)
	}

	reg("d", "dev", &f.dev, "", "networking device, e.g. eth0")
	reg("o", "out", &f.devTrans, "", "transparent device name while in monitor mode")
	reg("c", "conf", &f.conf, "", "packet template file, or - for stdin")
	flag.StringVar(&f.conf, "i", f.conf, "alias for -c/--conf")
	flag.StringVar(&f.conf, "in", f.conf, "alias for -c/--conf")
	flag.BoolVar(&f.cpp, "p", false, "preprocess config")
	flag.BoolVar(&f.cpp, "cpp", false, "preprocess config")
	flag.BoolVar(&f.jumbo, "J", false, "allow jumbo-sized frames")
	flag.BoolVar(&f.jumbo, "jumbo-support", false, "allow jumbo-sized frames")
	flag.BoolVar(&f.rfraw, "R", false, "enable 802.11 monitor-mode injection")
	flag.BoolVar(&f.rfraw, "rfraw", false, "enable 802.11 monitor-mode injection")
	reg("s", "smoke-test", &f.smokeTest, "", "ICMPv4 remote liveness check address")
	flag.Uint64Var(&f.num, "n", 0, "global packet budget, 0 = unbounded")
	flag.Uint64Var(&f.num, "num", 0, "global packet budget, 0 = unbounded")
	flag.BoolVar(&f.rnd, "r", false, "random packet selection instead of round-robin")
	flag.BoolVar(&f.rnd, "rand", false, "random packet selection instead of round-robin")
	flag.UintVar(&f.cpus, "P", uint(runtime.NumCPU()), "number of workers")
	flag.UintVar(&f.cpus, "cpus", uint(runtime.NumCPU()), "number of workers")
	flag.Uint64Var(&f.gap, "t", 0, "inter-packet gap, microseconds")
	flag.Uint64Var(&f.gap, "gap", 0, "inter-packet gap, microseconds")
	reg("S", "ring-size", &f.ringSize, "", "TX ring reserve size, e.g. 2MiB")
	flag.Uint64Var(&f.kernelPull, "k", config.DefaultKernelPull, "kernel-pull interval, microseconds")
	flag.Uint64Var(&f.kernelPull, "kernel-pull", config.DefaultKernelPull, "kernel-pull interval, microseconds")
	flag.Int64Var(&f.seed, "E", 0, "disable auto-seed, use this value instead")
	flag.Int64Var(&f.seed, "seed", 0, "disable auto-seed, use this value instead")
	flag.IntVar(&f.uid, "u", -1, "drop privileges to this uid")
	flag.IntVar(&f.uid, "user", -1, "drop privileges to this uid")
	flag.IntVar(&f.gid, "g", -1, "drop privileges to this gid")
	flag.IntVar(&f.gid, "group", -1, "drop privileges to this gid")
	flag.BoolVar(&f.verbose, "V", false, "verbose logging")
	flag.BoolVar(&f.verbose, "verbose", false, "verbose logging")
	flag.BoolVar(&f.showVersion, "v", false, "print version and exit")
	flag.BoolVar(&f.showVersion, "version", false, "print version and exit")

	flag.Parse()
	f.haveSeed = f.seed != 0
	return f
}

func main() {
	f := parseFlags()
	if f.showVersion {
		fmt.Println(version)
		return
	}
	if err := run(f); err != nil {
		log.Fatalf("trafgen: %v", err)
	}
}

func run(f *flags) error {
	if f.dev == "" {
		return api.NewError(api.ErrCodeInvalidArgument, "missing -d/--dev device")
	}
	if f.conf == "" {
		return api.NewError(api.ErrCodeInvalidArgument, "missing -c/--conf packet template")
	}

	link, err := iface.Resolve(f.dev)
	if err != nil {
		return api.NewError(api.ErrCodeNotFound, "resolving device").WithContext("dev", f.dev).WithContext("cause", err.Error())
	}
	if link.MTU == 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "device reports MTU 0").WithContext("dev", f.dev)
	}
	if !link.Up && !f.rfraw {
		return api.NewError(api.ErrCodeInvalidArgument, "device is not up").WithContext("dev", f.dev)
	}

	stdinConf := f.conf == "-"
	var pkts []packet.Packet
	var dyns []packet.Dynamic
	if stdinConf {
		pkts, dyns, err = config.Parse(os.Stdin)
	} else {
		file, ferr := os.Open(f.conf)
		if ferr != nil {
			return fmt.Errorf("opening config: %w", ferr)
		}
		defer file.Close()
		pkts, dyns, err = config.Parse(file)
	}
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	uid, gid := os.Geteuid(), os.Getegid()
	if f.uid >= 0 {
		uid = f.uid
	}
	if f.gid >= 0 {
		gid = f.gid
	}
	ctx := config.NewContext(uint32(uid), uint32(gid), uint(runtime.NumCPU()))
	ctx.Device = f.dev
	ctx.DeviceTrans = f.devTrans
	ctx.Cpus = f.cpus
	if online := uint(runtime.NumCPU()); ctx.Cpus == 0 || ctx.Cpus > online {
		ctx.Cpus = online
	}
	ctx.Num = f.num
	ctx.Gap = f.gap
	ctx.KernelPull = f.kernelPull
	ctx.Rand = f.rnd
	ctx.RFRaw = f.rfraw
	ctx.JumboSupport = f.jumbo
	ctx.Verbose = f.verbose
	ctx.Enforce = f.uid >= 0 || f.gid >= 0
	ctx.ConfPath = f.conf
	ctx.CPP = f.cpp
	ctx.Reseed = !f.haveSeed
	ctx.Seed = f.seed

	if f.ringSize != "" {
		size, perr := config.ParseRingSize(f.ringSize)
		if perr != nil {
			return perr
		}
		ctx.RingSize = size
	}

	if f.smokeTest != "" {
		remote := net.ParseIP(f.smokeTest).To4()
		if remote == nil {
			return api.NewError(api.ErrCodeInvalidArgument, "invalid smoke-test address").WithContext("addr", f.smokeTest)
		}
		ctx.RemoteHost = remote
		ctx.SmokeTest = true
	}

	slowPath := ctx.ApplyForcingRules(stdinConf)

	mtu := link.MTU
	if ctx.JumboSupport {
		mtu = 9000
	}
	overhead := iface.LinkOverhead(ctx.RFRaw, false)
	if err := worker.Precheck(pkts, mtu, overhead); err != nil {
		return fmt.Errorf("precheck: %w", err)
	}

	var smokeDst [4]byte
	if ctx.SmokeTest {
		copy(smokeDst[:], ctx.RemoteHost.To4())
	}

	stats := make([]worker.Stats, ctx.Cpus)
	stop := &atomic.Bool{}
	seed := ctx.Seed
	if ctx.Reseed {
		seed = time.Now().UnixNano()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGHUP)
	sigDone := make(chan struct{})
	defer close(sigDone)
	go func() {
		select {
		case <-sigs:
			stop.Store(true)
		case <-sigDone:
		}
	}()

	poolMgr := pool.NewBufferPoolManager()

	var slowSendersMu sync.Mutex
	var slowSenders []*slowpath.Sender

	var wg sync.WaitGroup
	errs := make([]error, ctx.Cpus)
	for id := 0; id < int(ctx.Cpus); id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			localPkts := make([]packet.Packet, len(pkts))
			localDyns := make([]packet.Dynamic, len(dyns))
			for i, p := range pkts {
				localPkts[i] = packet.Packet{Payload: append([]byte{}, p.Payload...), Len: p.Len}
				localDyns[i] = dyns[i]
			}

			tx, closeTx, terr := openTransmitter(ctx, link.Index, slowPath, poolMgr, &slowSendersMu, &slowSenders)
			if terr != nil {
				errs[id] = terr
				stats[id].SetState(worker.StateCFG | worker.StateCHK | worker.StateRES)
				return
			}
			defer closeTx()

			if ctx.SmokeTest {
				tx = smoke.Interleave(tx, smokeDst)
			}

			if ctx.Enforce {
				dropPrivileges(ctx.UID, ctx.GID)
			}

			errs[id] = worker.Run(id, stats, id, localPkts, localDyns, tx, seed+int64(id), ctx.Num, ctx.Rand, stop)
		}(id)
	}
	wg.Wait()

	metrics := control.NewMetricsRegistry()
	var txPackets, txBytes uint64
	for i := range stats {
		txPackets += stats[i].TxPackets.Load()
		txBytes += stats[i].TxBytes.Load()
		metrics.Set(fmt.Sprintf("worker.%d.tx_packets", i), stats[i].TxPackets.Load())
		metrics.Set(fmt.Sprintf("worker.%d.tx_bytes", i), stats[i].TxBytes.Load())
		metrics.Set(fmt.Sprintf("worker.%d.elapsed", i), time.Duration(stats[i].Elapsed.Load()))
	}
	metrics.Set("tx_packets", txPackets)
	metrics.Set("tx_bytes", txBytes)

	for _, e := range errs {
		if e != nil {
			if errors.Is(e, smoke.ErrNoReply) {
				log.Printf("trafgen: %v", e)
				continue
			}
			return e
		}
	}

	if ctx.Verbose {
		cfgStore := control.NewConfigStore()
		cfgStore.SetConfig(map[string]any{
			"dev": ctx.Device, "cpus": ctx.Cpus, "num": ctx.Num,
			"rand": ctx.Rand, "smoke_test": ctx.SmokeTest, "ring_size": ctx.RingSize,
		})

		probes := control.NewDebugProbes()
		control.RegisterPlatformProbes(probes)
		probes.RegisterProbe("config", func() any { return cfgStore.GetSnapshot() })
		probes.RegisterProbe("metrics", func() any { return metrics.GetSnapshot() })
		probes.RegisterProbe("slowpath.retries", func() any {
			slowSendersMu.Lock()
			defer slowSendersMu.Unlock()
			out := make(map[int][]time.Time, len(slowSenders))
			for i, s := range slowSenders {
				out[i] = s.RetryHistory()
			}
			return out
		})

		log.Printf("trafgen: debug dump: %+v", probes.DumpState())
	}
	log.Printf("trafgen: tx_packets=%d tx_bytes=%d workers=%d", txPackets, txBytes, ctx.Cpus)
	return nil
}

type closer func()

// pooledSlowSender routes every slow-path send through a NUMA-segmented
// buffer pool instead of sending pkts[] payloads directly, giving the
// slow path the same "reuse a buffer, don't allocate per packet" texture
// as the ring's zero-copy slots.
type pooledSlowSender struct {
	s    *slowpath.Sender
	pool api.BufferPool
}

func (p *pooledSlowSender) Send(payload []byte) error {
	return p.s.SendFromPool(p.pool, payload)
}

func openTransmitter(ctx *config.Context, ifindex int, slowPath bool, poolMgr *pool.BufferPoolManager, slowSendersMu *sync.Mutex, slowSenders *[]*slowpath.Sender) (worker.Transmitter, closer, error) {
	if slowPath {
		s, err := slowpath.Open(ifindex, time.Duration(ctx.Gap)*time.Microsecond)
		if err != nil {
			return nil, nil, err
		}
		slowSendersMu.Lock()
		*slowSenders = append(*slowSenders, s)
		slowSendersMu.Unlock()
		tx := &pooledSlowSender{s: s, pool: poolMgr.GetPool(-1)}
		return tx, func() { s.Close() }, nil
	}

	cfg := ring.ConfigFromReserve(ctx.RingSize)
	r, err := ring.Open(ifindex, cfg, time.Duration(ctx.KernelPull)*time.Microsecond)
	if err != nil {
		return nil, nil, err
	}
	r.StartKernelPull()
	return r, func() { r.Close() }, nil
}

func dropPrivileges(uid, gid uint32) {
	if err := unix.Setgid(int(gid)); err != nil {
		log.Printf("trafgen: setgid(%d): %v", gid, err)
	}
	if err := unix.Setuid(int(uid)); err != nil {
		log.Printf("trafgen: setuid(%d): %v", uid, err)
	}
}
