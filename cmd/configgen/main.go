package main

import (
	"flag"
	"log"

	"github.com/danmuck/trdp/internal/config"
)

func main() {
	kind := flag.String("kind", "node", "config kind: node|subscriber")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/trdpd/node.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		cfg, err := config.LoadNodeConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s (publishers=%d subscribers=%d routes=%d)",
			*kind, path, len(cfg.Publishers), len(cfg.Subscribers), len(cfg.Replier.Routes))
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "node":
		return "cmd/trdpd/node.toml"
	case "subscriber":
		return "cmd/trdpd/subscriber.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
