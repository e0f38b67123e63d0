package main

import (
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/mtaktikos/CrazyAra/logging"
	"github.com/mtaktikos/CrazyAra/models"
)

func main() {
	indexURLs := flag.String("index", "", "Comma-separated model index page URLs")
	destDir := flag.String("dest", "models", "Directory to download models into")
	listOnly := flag.Bool("list", false, "Only list discovered models")
	flag.Parse()

	log := slog.New(logging.NewPrettyJSONHandler(os.Stderr, nil))

	if *indexURLs == "" {
		log.Error("at least one -index URL is required")
		os.Exit(1)
	}

	config := models.DefaultConfig()
	config.IndexURLs = strings.Split(*indexURLs, ",")
	client := models.NewClient(config)

	refs, err := client.Discover()
	if err != nil {
		log.Error("discovery failed", "err", err)
		os.Exit(1)
	}
	if len(refs) == 0 {
		log.Warn("no models found")
		return
	}

	for _, ref := range refs {
		if *listOnly {
			log.Info("model", "name", ref.Name, "url", ref.URL)
			continue
		}
		path, err := client.Download(ref, *destDir)
		if err != nil {
			log.Error("download failed", "name", ref.Name, "err", err)
			os.Exit(1)
		}
		log.Info("model ready", "name", ref.Name, "path", path)
	}
}
