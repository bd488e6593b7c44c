// Command ftlsim drives the FTL core against the in-memory device
// simulator: a small load generator plus a Prometheus /metrics
// endpoint.
package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/oichkatzele/flashftl/devmgr"
	"github.com/oichkatzele/flashftl/ftl"
	"github.com/oichkatzele/flashftl/ftlconfig"
	"github.com/oichkatzele/flashftl/metrics"
)

var (
	configPath  = kingpin.Flag("config", "Path to a YAML FTL config file; defaults to the reference geometry.").String()
	listenAddr  = kingpin.Flag("listen", "Address to serve /metrics on.").Default(":9091").String()
	nrWrites    = kingpin.Flag("writes", "Number of simulated host writes to issue before exiting.").Default("10000").Int()
	fineWriteRatio = kingpin.Flag("fine-ratio", "Fraction of writes issued as 4KB fine-grained writes (0..1).").Default("0.5").Float64()
)

func main() {
	kingpin.Version("ftlsim (dev)")
	kingpin.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	cfg := ftlconfig.Default()
	if *configPath != "" {
		loaded, err := ftlconfig.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("ftlsim: failed to load config")
		}
		cfg = loaded
	}

	sim := devmgr.NewSimulator(cfg.Geom())
	driver, err := ftl.New(ftl.Config{Geometry: cfg.Geom(), PoolPercent: cfg.PoolSizePercent}, sim, log)
	if err != nil {
		log.Fatal().Err(err).Msg("ftlsim: failed to construct driver")
	}

	collector := metrics.New(metrics.NewSource(driver.ABM, driver.Alloc, driver.Recycle))
	prometheus.MustRegister(collector)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*listenAddr, nil); err != nil {
			log.Error().Err(err).Msg("ftlsim: metrics listener exited")
		}
	}()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	g := cfg.Geom()

	for i := 0; i < *nrWrites; i++ {
		if rng.Float64() < *fineWriteRatio {
			lpa := rng.Int63n(int64(g.NrSubpagesPerSSD()))
			buf := make([]byte, 4096)
			bio := &ftl.Bio{Dir: ftl.Write, StartSector: lpa * (4096 / ftl.SectorSize), NrSectors: 4096 / ftl.SectorSize, Bufs: [][]byte{buf}}
			if err := driver.MakeReq(ctx, bio); err != nil {
				log.Warn().Err(err).Msg("ftlsim: fine write failed")
			}
		} else {
			page := rng.Intn(g.NrPagesPerSSD())
			bufs := make([][]byte, g.SubpagesPerPage)
			for j := range bufs {
				bufs[j] = make([]byte, 4096)
			}
			bio := &ftl.Bio{Dir: ftl.Write, StartSector: int64(page) * int64(g.SubpagesPerPage) * (4096 / ftl.SectorSize), NrSectors: g.SubpagesPerPage * (4096 / ftl.SectorSize), Bufs: bufs}
			if err := driver.MakeReq(ctx, bio); err != nil {
				log.Warn().Err(err).Msg("ftlsim: page write failed")
			}
		}
		if driver.IsGCNeeded() {
			if _, err := driver.DoGC(ctx); err != nil {
				log.Warn().Err(err).Msg("ftlsim: gc pass failed")
			}
			collector.GCRuns.Inc()
		}
	}

	log.Info().Int("writes", *nrWrites).Msg("ftlsim: workload complete")
	time.Sleep(200 * time.Millisecond) // let the final /metrics scrape land
}
