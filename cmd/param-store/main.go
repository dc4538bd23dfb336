package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/finback-ai/finback/pkg/params"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running in a cluster, but default sensibly for local dev
		cacheDir = "~/.cache/finback/params"
	}
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	klog.InitFlags(nil)
	flag.Parse()

	if strings.HasPrefix(cacheDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		cacheDir = filepath.Join(homeDir, strings.TrimPrefix(cacheDir, "~/"))
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	// When set, cache misses are filled from this bucket (gs:// or s3://).
	upstream := os.Getenv("PARAM_BUCKET")
	fetchOptions := params.FetchOptions{
		S3Endpoint:  os.Getenv("FINBACK_S3_ENDPOINT"),
		S3AccessKey: os.Getenv("FINBACK_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("FINBACK_S3_SECRET_KEY"),
	}

	s := &httpServer{
		cache: &paramCache{
			BaseDir:      cacheDir,
			Upstream:     upstream,
			FetchOptions: fetchOptions,
		},
	}

	log.Info("serving parameter archives", "listen", listen, "cache", cacheDir, "upstream", upstream)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}
	return nil
}

type httpServer struct {
	cache *paramCache
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 && tokens[0] != "" {
		if r.Method == "GET" {
			s.serveGETArchive(w, r, tokens[0])
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *httpServer) serveGETArchive(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	if strings.Contains(name, "..") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	p, err := s.cache.GetArchive(ctx, name)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting parameter archive")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	log.V(2).Info("serving parameter archive", "path", p)
	http.ServeFile(w, r, p)
}

type paramCache struct {
	BaseDir      string
	Upstream     string
	FetchOptions params.FetchOptions
}

func (c *paramCache) GetArchive(ctx context.Context, name string) (string, error) {
	localPath := filepath.Join(c.BaseDir, name)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("opening archive %q: %w", name, err)
	}

	if c.Upstream != "" {
		uri := strings.TrimRight(c.Upstream, "/") + "/" + name
		p, err := params.Fetch(ctx, uri, c.BaseDir, c.FetchOptions)
		if err != nil {
			return "", fmt.Errorf("filling cache for %q: %w", name, err)
		}
		return p, nil
	}

	return "", status.Errorf(codes.NotFound, "parameter archive %q not found", name)
}
