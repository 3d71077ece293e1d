// Command visualize exports a 2D/3D projection of a model's indexed vectors
// as JSON lines, for plotting with external tools.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/BabylonML/babylon-pipeline/config"
	"github.com/BabylonML/babylon-pipeline/engine/store"
	"github.com/BabylonML/babylon-pipeline/engine/viz"
)

func main() {
	var (
		envSource = flag.String("env-source", "", "optional .env file loaded before reading configuration")
		model     = flag.String("model", "", "model id to export (default: the configured embed model)")
		dims      = flag.Int("dims", 2, "output dimensionality, 2 or 3")
		seed      = flag.Int64("seed", -1, "projection seed (default: the configured seed)")
		labelKey  = flag.String("label-key", "", "metadata key used as point label, before the default fallbacks")
		out       = flag.String("out", "-", "output file, - for stdout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *envSource != "" {
		if err := config.LoadEnvFile(*envSource); err != nil {
			log.Error("env file load failed", "error", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(nil)
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	if *model == "" {
		*model = cfg.EmbedModel
	}
	if *seed < 0 {
		*seed = cfg.Seed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	vectors, err := store.NewQdrant(cfg.QdrantAddr, cfg.VectorCollection, cfg.EmbedDims, log)
	if err != nil {
		log.Error("vector store connect failed", "error", err)
		os.Exit(1)
	}
	defer vectors.Close()

	opts := viz.Opts{Seed: *seed}
	for _, key := range []string{*labelKey, cfg.LabelKey} {
		if key != "" {
			opts.LabelKeys = append(opts.LabelKeys, key)
		}
	}
	opts.LabelKeys = append(opts.LabelKeys, viz.DefaultLabelKeys...)

	points, err := viz.NewExporter(vectors, opts, log).Export(ctx, *model, *dims)
	if err != nil {
		log.Error("export failed", "model_id", *model, "error", err)
		os.Exit(1)
	}

	var w io.Writer = os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			log.Error("open output failed", "path", *out, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, p := range points {
		if err := enc.Encode(p); err != nil {
			log.Error("write failed", "error", err)
			os.Exit(1)
		}
	}
	if err := bw.Flush(); err != nil {
		log.Error("write failed", "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "wrote %d points (model %s, %dD, seed %d)\n", len(points), *model, *dims, *seed)
}
