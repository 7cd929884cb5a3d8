// Command micdma-sim runs copy workloads through micdma channels on simulated devices.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/DerLukas15/micdma"
	"github.com/DerLukas15/micdma/ringmem"
	"github.com/DerLukas15/micdma/simdev"
	"github.com/jessevdk/go-flags"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type options struct {
	Config    string `short:"c" long:"config" description:"YAML config file"`
	Devices   int    `short:"d" long:"devices" default:"1" description:"number of simulated devices"`
	Family    string `long:"family" default:"knc" choice:"knc" choice:"knf" description:"hardware family"`
	Stepping  string `long:"stepping" default:"B0" choice:"A0" choice:"A1" choice:"B0" choice:"B1" choice:"C0" description:"silicon stepping"`
	Transfers int    `short:"n" long:"transfers" default:"64" description:"transfers per channel"`
	Size      int    `short:"s" long:"size" default:"1048576" description:"bytes per transfer"`
	Listen    string `long:"metrics-listen" description:"serve prometheus metrics on this address"`
	Dump      bool   `long:"dump" description:"dump rings and registers before closing"`
	Verbose   bool   `short:"v" long:"verbose" description:"debug output"`
}

var steppings = map[string]micdma.Stepping{
	"A0": micdma.SteppingA0,
	"A1": micdma.SteppingA1,
	"B0": micdma.SteppingB0,
	"B1": micdma.SteppingB1,
	"C0": micdma.SteppingC0,
}

func main() {
	var opts options
	if _, err := flags.ParseArgs(&opts, os.Args[1:]); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		logrus.WithError(err).Fatal("micdma-sim failed")
	}
}

func run(opts options) error {
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	l := cfg.Logger()
	if opts.Verbose {
		l.SetLevel(logrus.DebugLevel)
		micdma.Debug = true
	}

	// simulated devices resolve bus addresses through the heap, whatever allocator the config names
	heap := ringmem.NewHeap()
	if err := cfg.SetAllocator(heap); err != nil {
		return err
	}
	if err := cfg.SetRegistry(metrics.DefaultRegistry); err != nil {
		return err
	}
	if opts.Listen != "" {
		serveMetrics(l, opts.Listen)
	}

	family := micdma.FamilyKNC
	if strings.ToLower(opts.Family) == "knf" {
		family = micdma.FamilyKNF
	}
	mgr, err := micdma.NewManager(cfg)
	if err != nil {
		return err
	}

	var contexts []*micdma.Context
	defer func() {
		for _, dc := range contexts {
			if err := mgr.Close(dc); err != nil {
				l.WithError(err).Error("close failed")
			}
		}
	}()
	for i := 0; i < opts.Devices; i++ {
		dc, err := mgr.Open(i, simdev.New(heap, family, steppings[opts.Stepping]))
		if err != nil {
			return err
		}
		contexts = append(contexts, dc)
	}

	start := time.Now()
	var total atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for _, dc := range contexts {
		dc := dc
		for _, ch := range dc.Channels() {
			if !ch.Initialized() {
				continue
			}
			ch := ch
			g.Go(func() error {
				n, err := copyLoop(ctx, heap, ch, opts.Transfers, opts.Size)
				total.Add(n)
				return errors.Wrapf(err, "device %d channel %d", dc.DeviceNum(), ch.Number())
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, dc := range contexts {
		if err := dc.DrainGlobal(context.Background()); err != nil {
			return err
		}
	}
	took := time.Since(start)
	l.WithFields(logrus.Fields{
		"bytes":    total.Load(),
		"took":     took.String(),
		"mb_per_s": fmt.Sprintf("%.1f", float64(total.Load())/took.Seconds()/1e6),
	}).Info("workload done")

	if opts.Dump {
		for _, dc := range contexts {
			fmt.Printf("Device %d\n", dc.DeviceNum())
			if err := dc.Dump(os.Stdout); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfig(path string) (*micdma.Config, error) {
	if path == "" {
		return micdma.NewConfig(micdma.OwnerHost)
	}
	return micdma.LoadConfig(path)
}

// copyLoop runs n copies of size bytes on ch, alternating polling and interrupt completion, and checks the
// data of each one.
func copyLoop(ctx context.Context, heap *ringmem.Heap, ch *micdma.Channel, n, size int) (int64, error) {
	src, err := heap.Alloc(size)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	dst, err := heap.Alloc(size)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	var copied int64
	for i := 0; i < n; i++ {
		for j := range src.Buf() {
			src.Buf()[j] = byte(i + j)
		}
		done := make(chan struct{})
		if err := ch.Request(ctx); err != nil {
			return copied, err
		}
		var cookie int
		if i%2 == 0 {
			cookie, err = ch.Submit(ctx, micdma.FlagPoll, src.PhysAddr(), dst.PhysAddr(), uint64(size), nil)
		} else {
			_, err = ch.Submit(ctx, micdma.FlagIntr, src.PhysAddr(), dst.PhysAddr(), uint64(size),
				&micdma.Completion{Func: func(uint64) { close(done) }})
		}
		ch.Free()
		if err != nil {
			return copied, err
		}

		if i%2 == 0 {
			err = ch.WaitPoll(ctx, cookie)
		} else {
			select {
			case <-done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err != nil {
			return copied, err
		}
		if !bytes.Equal(src.Buf(), dst.Buf()) {
			return copied, errors.Errorf("transfer %d: data mismatch", i)
		}
		copied += int64(size)
	}
	return copied, nil
}

func serveMetrics(l *logrus.Logger, listen string) {
	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(metrics.DefaultRegistry, "micdma", "sim", pr, time.Second)
	go pClient.UpdatePrometheusMetrics()

	go func() {
		l.Infof("Prometheus stats listening on %s at /metrics", listen)
		http.Handle("/metrics", promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
		log.Fatal(http.ListenAndServe(listen, nil))
	}()
}
