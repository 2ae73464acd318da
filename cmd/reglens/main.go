package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/reglens/reglens/pkg/cache"
	"github.com/reglens/reglens/pkg/content"
	"github.com/reglens/reglens/pkg/registry"
	"github.com/reglens/reglens/pkg/scan"
)

const usage = `usage: reglens [flags] <command> [args]

commands:
  repos                      list repositories
  tags <repo>                list tags of a repository
  image <repo> <ref>         resolve a tag or digest to its image set
  file <repo> <ref> <path>   read a file from an image's merged view
  scan <repo> <ref>          submit an image for vulnerability analysis

flags:
`

func main() {
	var (
		root      = flag.String("root", "", "path to a registry's on-disk storage; overrides -registry")
		host      = flag.String("registry", "registry-1.docker.io", "registry host to talk to")
		username  = flag.String("username", "", "registry username")
		password  = flag.String("password", "", "registry password")
		cachePath = flag.String("cache", "", "sqlite cache file; empty keeps the cache in memory")
		clairURL  = flag.String("clair", "http://localhost:6060", "clair endpoint for the scan command")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	store, err := openStore(*cachePath)
	if err != nil {
		fmt.Printf("open cache: %s\n", err)
		os.Exit(1)
	}

	var inner registry.Client
	if *root != "" {
		inner = registry.NewLocal(*root, logger)
	} else {
		inner = registry.NewRemote(*host, *username, *password, logger)
	}

	client, err := registry.NewCached(inner, store)
	if err != nil {
		fmt.Printf("wire client: %s\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	args := flag.Args()

	switch args[0] {
	case "repos":
		repos, err := client.ListRepositories(ctx)
		exitOn(err)
		printJSON(repos)

	case "tags":
		requireArgs(args, 2)
		tags, err := client.ListTags(ctx, args[1])
		exitOn(err)
		printJSON(tags)

	case "image":
		requireArgs(args, 3)
		set, err := client.ResolveImageSet(ctx, args[1], args[2])
		exitOn(err)
		printJSON(set)

	case "file":
		requireArgs(args, 4)
		exitOn(showFile(ctx, client, store, logger, args[1], args[2], args[3]))

	case "scan":
		requireArgs(args, 3)
		exitOn(runScan(ctx, client, store, logger, *clairURL, args[1], args[2]))

	default:
		fmt.Printf("unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

func openStore(path string) (cache.Store, error) {
	if path == "" {
		return cache.NewMemoryStore(), nil
	}
	return cache.OpenSQLiteStore(path)
}

// showFile resolves the reference, indexes the requested path on the
// first image and prints the file's content or the directory listing.
func showFile(ctx context.Context, client registry.Client, store cache.Store, logger *slog.Logger, repo, ref, path string) error {
	set, err := client.ResolveImageSet(ctx, repo, ref)
	if err != nil {
		return err
	}
	if len(set.Images) == 0 {
		return fmt.Errorf("%s/%s has no images", repo, ref)
	}
	image := set.Images[0]

	scanner := content.NewScanner(store, logger)
	if err := scanner.Index(ctx, client, repo, image, path); err != nil {
		return err
	}

	result, _, err := scanner.GetPath(image, path)
	if err != nil {
		return err
	}
	switch {
	case !result.Exists:
		return fmt.Errorf("%s not found in %s/%s", path, repo, ref)
	case result.Content != nil:
		os.Stdout.Write(result.Content)
	default:
		printJSON(result.Children)
	}

	return nil
}

// runScan submits the image's layers to clair and polls briefly for an
// aggregate result; analysis may still be running when we give up.
func runScan(ctx context.Context, client registry.Client, store cache.Store, logger *slog.Logger, clairURL, repo, ref string) error {
	set, err := client.ResolveImageSet(ctx, repo, ref)
	if err != nil {
		return err
	}
	if len(set.Images) == 0 {
		return fmt.Errorf("%s/%s has no images", repo, ref)
	}
	image := set.Images[0]

	orchestrator := scan.NewOrchestrator(scan.NewClair(clairURL, logger), store, logger)
	if err := orchestrator.RequestScan(ctx, client, repo, image); err != nil {
		return err
	}

	for i := 0; i < 10; i++ {
		result, err := orchestrator.GetScan(ctx, image, false)
		if err != nil {
			return err
		}
		if result != nil {
			printJSON(result)
			return nil
		}
		time.Sleep(2 * time.Second)
	}

	fmt.Println("scan still pending, retry later")
	return nil
}

func requireArgs(args []string, n int) {
	if len(args) < n {
		flag.Usage()
		os.Exit(2)
	}
}

func exitOn(err error) {
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
