// Teachcase is the teaching case archive server. It stores radiology
// teaching cases: one metadata document and any number of DICOM image
// files per case, with a web API for ingest, retrieval, verification, and
// export.
//
// Configuration is taken from the command line, or from a TOML file named
// with the -config flag. Explicit command line options override the file.
//
// Example config file:
//
//	Port = "14000"
//	Storage = "s3://s3.example.org/teachcase"
//	Metadata = "mysql:/teachcase"
//	CacheDir = "/var/cache/teachcase"
//	CacheSize = 500
//	Tokenfile = "/etc/teachcase/tokens"
//	VerifyInterval = "168h"
//
// Sentry error reporting is enabled by setting the usual SENTRY_DSN
// environment variable.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/radarchive/teachcase/blobcache"
	"github.com/radarchive/teachcase/server"
	"github.com/radarchive/teachcase/store"
)

type teachcaseConfig struct {
	Port           string
	PProfPort      string
	Storage        string
	Metadata       string
	CacheDir       string
	CacheSize      int64 // in megabytes
	CacheTimeout   string
	Tokenfile      string
	CowHost        string
	CowToken       string
	VerifyInterval string
}

var (
	configFile = flag.String("config", "", "location of TOML configuration file")
	portNumber = flag.String("port", "", "port number to listen on")
	pprofPort  = flag.String("pprof-port", "", "port for the pprof server. pprof is disabled if empty")
	storage    = flag.String("storage", "", "location of the blob store")
	mdLocation = flag.String("metadata", "", "location of the case document database")
	cacheDir   = flag.String("cache-dir", "", "directory to keep the blob cache in")
	cacheSize  = flag.Int64("cache-size", 0, "the maximum size of the blob cache in MB")
	cacheTime  = flag.String("cache-timeout", "", `keep cached blobs this long instead of evicting by size, e.g. "72h"`)
	tokenFile  = flag.String("token-file", "", "file listing access tokens. anyone is an admin if empty")
	cowHost    = flag.String("cow-host", "", "upstream server to copy blobs from on demand")
	cowToken   = flag.String("cow-token", "", "access token for the copy-on-write upstream")
	verifyWait = flag.String("verify-interval", "", `pause between verification sweeps, e.g. "168h". sweeps are disabled if empty`)
)

func main() {
	flag.Parse()

	config := teachcaseConfig{
		Port:      "14000",
		CacheSize: 100,
	}
	if *configFile != "" {
		log.Println("Reading configuration", *configFile)
		_, err := toml.DecodeFile(*configFile, &config)
		if err != nil {
			log.Fatalln("Error reading configuration:", err)
		}
	}
	// explicit command line options override the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Port = *portNumber
		case "pprof-port":
			config.PProfPort = *pprofPort
		case "storage":
			config.Storage = *storage
		case "metadata":
			config.Metadata = *mdLocation
		case "cache-dir":
			config.CacheDir = *cacheDir
		case "cache-size":
			config.CacheSize = *cacheSize
		case "cache-timeout":
			config.CacheTimeout = *cacheTime
		case "token-file":
			config.Tokenfile = *tokenFile
		case "cow-host":
			config.CowHost = *cowHost
		case "cow-token":
			config.CowToken = *cowToken
		case "verify-interval":
			config.VerifyInterval = *verifyWait
		}
	})

	var interval time.Duration
	if config.VerifyInterval != "" {
		var err error
		interval, err = time.ParseDuration(config.VerifyInterval)
		if err != nil {
			log.Fatalln("Error parsing verify-interval:", err)
		}
	}

	var validator server.TokenDecoder
	if config.Tokenfile != "" {
		var err error
		validator, err = server.NewListDecoderFile(config.Tokenfile)
		if err != nil {
			log.Fatalln("Error reading token file:", err)
		}
	}

	blobs := parselocation(config.Storage, "")
	if blobs == nil {
		os.Exit(1)
	}
	if config.CowHost != "" {
		log.Println("Using copy-on-write from", config.CowHost)
		blobs = store.NewCOW(blobs, config.CowHost, config.CowToken)
	}

	s := &server.RESTServer{
		PortNumber:     config.Port,
		PProfPort:      config.PProfPort,
		BlobStore:      blobs,
		CacheDir:       config.CacheDir,
		CacheSize:      config.CacheSize * 1000000,
		Validator:      validator,
		VerifyInterval: interval,
	}
	if config.CacheTimeout != "" {
		// age-based cache instead of the default size-based one
		if config.CacheDir == "" {
			log.Fatalln("cache-timeout needs cache-dir to be set")
		}
		d, err := time.ParseDuration(config.CacheTimeout)
		if err != nil {
			log.Fatalln("Error parsing cache-timeout:", err)
		}
		path := filepath.Join(config.CacheDir, "blobcache")
		os.MkdirAll(path, 0755)
		// NewTime starts its own scan of anything already cached
		s.Cache = blobcache.NewTime(store.NewFileSystem(path), d)
	}
	err := setmetadata(s, config.Metadata)
	if err != nil {
		log.Fatalln("Error opening metadata database:", err)
	}

	// stop cleanly on SIGINT or SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("Stopping")
		s.Stop()
	}()

	err = s.Run()
	if err != nil {
		log.Fatalln(err)
	}
}
