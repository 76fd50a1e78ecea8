// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

// drinkup-image starts an HTTP server that transforms and serves
// images on demand.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/lrucache"
	"github.com/die-net/lrucache/twotier"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	drinkup "github.com/drinkup-app/drinkup-image"
	"github.com/drinkup-app/drinkup-image/cache"
	"github.com/drinkup-app/drinkup-image/internal/diskspill"
	"github.com/drinkup-app/drinkup-image/internal/envconf"
)

const defaultSpillSize = 100 // megabytes, for the bare "memory" spill

var addr = flag.String("addr", ":3000", "TCP address to listen on")
var verbose = flag.Bool("verbose", false, "print verbose logging messages")
var cacheSize = flag.Int64("cacheSize", 100<<20, "variant cache capacity in bytes")
var sourceCacheSize = flag.Int64("sourceCacheSize", 50<<20, "source byte cache capacity in bytes")
var sourceDir = flag.String("sourceDir", "", "directory of the local origin store")
var allowHosts = flag.String("allowHosts", "", "comma separated list of allowed remote hosts")
var fetchTimeout = flag.Duration("fetchTimeout", drinkup.DefaultFetchTimeout, "time limit for a single remote fetch attempt")
var fetchRetries = flag.Int("fetchRetries", drinkup.DefaultFetchRetries, "attempts made for transient fetch failures")
var transformTimeout = flag.Duration("transformTimeout", 30*time.Second, "wall-clock budget per transformation")
var maxUpscale = flag.Float64("maxUpscale", drinkup.DefaultMaxUpscale, "maximum upscale multiplier per axis")
var maxSourceSize = flag.Int64("maxSourceSize", drinkup.DefaultMaxSourceSize, "maximum source image size in bytes")
var userAgent = flag.String("userAgent", "drinkup-image", "user-agent sent when fetching remote images")
var spill tieredSpill

func init() {
	flag.Var(&spill, "spill", "spill tier for computed variants: memory[:MB], redis://..., or a directory path")
}

func main() {
	flag.Parse()
	if err := envconf.Bind("DRINKUP"); err != nil {
		log.Fatal(err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	remote, err := drinkup.NewRemoteStore(*fetchTimeout, *maxSourceSize)
	if err != nil {
		log.Fatalf("error building remote store: %v", err)
	}
	remote.UserAgent = *userAgent

	var local drinkup.Backend
	if *sourceDir != "" {
		local = &drinkup.LocalStore{Root: *sourceDir, MaxSize: *maxSourceSize}
	}

	fetcher := drinkup.NewFetcher(local, remote, *sourceCacheSize)
	fetcher.Retries = *fetchRetries

	variants := cache.New(*cacheSize, spill.Cache)

	s := drinkup.NewServer(fetcher, variants)
	s.Transformer = &drinkup.Transformer{
		MaxUpscale: *maxUpscale,
		Timeout:    *transformTimeout,
	}
	s.MaxInlineSize = *maxSourceSize
	s.Logger = logger
	if *allowHosts != "" {
		s.AllowHosts = strings.Split(*allowHosts, ",")
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.Handle("/metrics", promhttp.Handler())
	r.PathPrefix("/").Handler(s)

	server := &http.Server{
		Addr:    *addr,
		Handler: r,

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	fmt.Printf("drinkup-image listening on %s\n", server.Addr)
	log.Fatal(server.ListenAndServe())
}

// tieredSpill allows specifying multiple spill stores via flags, which
// are layered using the twotier package.
type tieredSpill struct {
	cache.Cache
}

func (ts *tieredSpill) String() string {
	return fmt.Sprint(*ts)
}

func (ts *tieredSpill) Set(value string) error {
	for _, v := range strings.Fields(value) {
		c, err := parseSpill(v)
		if err != nil {
			return err
		}

		if ts.Cache == nil {
			ts.Cache = c
		} else {
			ts.Cache = twotier.New(ts.Cache, c)
		}
	}
	return nil
}

// parseSpill parses s and returns the specified spill store.
func parseSpill(s string) (cache.Cache, error) {
	if s == "" {
		return nil, nil
	}

	if s == "memory" {
		s = fmt.Sprintf("memory:%d", defaultSpillSize)
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("error parsing spill flag: %w", err)
	}

	switch u.Scheme {
	case "memory":
		return lruSpill(u.Opaque)
	case "redis":
		conn, err := redis.DialURL(u.String(), redis.DialPassword(os.Getenv("REDIS_PASSWORD")))
		if err != nil {
			return nil, err
		}
		return redisSpill{conn}, nil
	default:
		return diskspill.New(s, 24*time.Hour), nil
	}
}

// lruSpill creates an in-memory LRU spill with the specified options of
// the form "maxSize[:maxAge]".  maxSize is specified in megabytes,
// maxAge is a duration.
func lruSpill(options string) (*lrucache.LruCache, error) {
	parts := strings.SplitN(options, ":", 2)
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, err
	}

	var age time.Duration
	if len(parts) > 1 {
		age, err = time.ParseDuration(parts[1])
		if err != nil {
			return nil, err
		}
	}

	return lrucache.New(size*1e6, int64(age.Seconds())), nil
}

// redisSpill adapts a redis connection to the cache.Cache interface.
type redisSpill struct {
	conn redis.Conn
}

func (r redisSpill) Get(key string) ([]byte, bool) {
	data, err := redis.Bytes(r.conn.Do("GET", key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (r redisSpill) Set(key string, data []byte) {
	r.conn.Do("SET", key, data)
}

func (r redisSpill) Delete(key string) {
	r.conn.Do("DEL", key)
}
