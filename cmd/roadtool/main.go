// Command roadtool runs offline operations against the road network and the
// record store.
//
//	roadtool export-geojson -roads data/sf_roads.json -out roads.geojson
//	roadtool enrich-incidents -config config.toml [-dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/paulmach/orb"

	"github.com/yegors/co-traffic/internal/config"
	"github.com/yegors/co-traffic/internal/roads"
	"github.com/yegors/co-traffic/internal/storage"
	"github.com/yegors/co-traffic/internal/traffic"
	"github.com/yegors/co-traffic/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "export-geojson":
		err = runExport(os.Args[2:])
	case "enrich-incidents":
		err = runEnrich(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "roadtool: unknown command %q\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "roadtool: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: roadtool <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  export-geojson    write the road dataset as a GeoJSON FeatureCollection")
	fmt.Fprintln(w, "  enrich-incidents  re-match stored incidents against the road network")
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export-geojson", flag.ContinueOnError)
	roadsPath := fs.String("roads", "data/sf_roads.json", "road dataset (JSON array or GeoJSON)")
	outPath := fs.String("out", "-", "output file, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	network, err := roads.LoadFile(*roadsPath)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if *outPath != "-" {
		f, err := os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", *outPath, err)
		}
		defer f.Close()
		out = f
	}

	return exportGeoJSON(network, out)
}

func exportGeoJSON(network *roads.Network, out io.Writer) error {
	data, err := roads.ExportGeoJSON(network.Segments())
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("failed to write GeoJSON: %w", err)
	}
	return nil
}

func runEnrich(args []string) error {
	fs := flag.NewFlagSet("enrich-incidents", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the TOML config file")
	dryRun := fs.Bool("dry-run", false, "report changes without writing them")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	network, err := roads.LoadFile(cfg.Roads.DatasetPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer store.Close()

	matcher := roads.NewMatcher(network,
		roads.WithCandidateCount(cfg.Roads.CandidateCount),
		roads.WithSearchRadius(cfg.Roads.SearchRadiusDeg),
	)
	transformer := traffic.NewTransformer(matcher, roads.NewExtender(network), cfg.Roads.ExtendPoints, log)

	updated, err := enrichIncidents(ctx, store, transformer, *dryRun, log.Named("enrich"))
	if err != nil {
		return err
	}
	fmt.Printf("%d incident(s) updated\n", updated)
	return nil
}

type incidentStore interface {
	ListAllIncidents(ctx context.Context) ([]traffic.IncidentRecord, error)
	UpdateIncidentRoadName(ctx context.Context, id int64, roadName string) error
}

// enrichIncidents re-resolves every stored incident's road name and writes
// the ones that changed. An Unknown Road result never replaces a stored name.
func enrichIncidents(ctx context.Context, store incidentStore, transformer *traffic.Transformer, dryRun bool, log *logger.Logger) (int, error) {
	incidents, err := store.ListAllIncidents(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, inc := range incidents {
		if err := ctx.Err(); err != nil {
			return updated, err
		}

		name := transformer.ResolveName(orb.Point{inc.Lon, inc.Lat}, inc.Description, "")
		if name == roads.UnknownRoad || name == inc.RoadName {
			continue
		}

		log.Info("Road name changed",
			logger.Int64("id", inc.ID),
			logger.String("from", inc.RoadName),
			logger.String("to", name),
			logger.Bool("dry_run", dryRun))

		if !dryRun {
			if err := store.UpdateIncidentRoadName(ctx, inc.ID, name); err != nil {
				return updated, err
			}
		}
		updated++
	}

	log.Info("Incident enrichment finished",
		logger.Int("total", len(incidents)),
		logger.Int("updated", updated))
	return updated, nil
}
