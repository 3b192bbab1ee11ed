package server

import (
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"os"
	"path/filepath"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/golang/groupcache/singleflight"
	"github.com/gorilla/handlers"
	"github.com/julienschmidt/httprouter"

	"github.com/radarchive/teachcase/blobcache"
	"github.com/radarchive/teachcase/cases"
	"github.com/radarchive/teachcase/store"
)

// RESTServer holds the configuration for a Teachcase API server.
//
// Set all the public fields and then call Run. Run will listen on the given
// port and handle requests. At the moment there is no maximum simultaneous
// request limit. Do not change any fields after calling Run.
//
// Run will also start a goroutine to sweep the archive verifying that every
// case still has all of its images, unless VerifyInterval is zero.
//
// There are two levels of configuration. It should be enough to only set
// BlobStore and CacheDir. The other fields are exposed to allow more
// customization.
type RESTServer struct {
	// Port number to listen on. Defaults to 14000.
	PortNumber string
	PProfPort  string

	// BlobStore holds the archived image content. Run will panic if
	// BlobStore is nil.
	BlobStore store.Store

	// CacheDir is the path to put the blob cache in the filesystem.
	// Used if Cache or the metadata database are nil.
	// If CacheDir is empty then no caching is done, and the default
	// metadata database is kept entirely in memory.
	CacheDir  string
	CacheSize int64 // in bytes

	// Pass in a dial command to use a MySQL server for the case
	// documents. Otherwise a lightweight internal database is used, and
	// placed inside the CacheDir directory.
	// e.g. "user:password@tcp(localhost:5555)/dbname" or just "/dbname"
	// if everything else can be the default. Can also use domain sockets:
	// "user@unix(/path/to/socket)/dbname"
	MySQL string

	// DynamoDB names a DynamoDB table to keep the case documents in.
	// The table is created if it doesn't exist. Credentials and region
	// come from the usual AWS environment. Ignored if MySQL is set.
	DynamoDB string

	// --- The following fields are more advanced and only need to be
	// set in special situations. ---

	// Validator decodes any user tokens presented to the API. If this is
	// nil then no authentication will be done.
	Validator TokenDecoder

	// Metadata is the store for case documents. If this is nil, a store
	// is assembled from the MySQL, DynamoDB, and CacheDir settings.
	Metadata cases.MetadataStore

	// Cache keeps recently served image blobs.
	Cache blobcache.T

	// VerifyInterval is the pause between archive verification sweeps.
	// Zero disables the background sweep.
	VerifyInterval time.Duration

	// VerifyLog records sweep outcomes. If nil, and the assembled
	// metadata store can keep the log, that store is used.
	VerifyLog VerifyLog

	archive    *cases.Archive
	server     httpdown.Server    // used to close our listening socket
	flight     singleflight.Group // collapses concurrent blob cache fills
	verifystop chan struct{}      // closed to indicate the verify sweep should exit
}

// Run initializes and starts all the goroutines used by the server. It then
// blocks listening for and handling http requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting Teachcase Server version %s", Version)
	log.Printf("CacheDir = %s", s.CacheDir)
	log.Printf("CacheSize = %d", s.CacheSize)

	if s.BlobStore == nil {
		panic("No blob storage given. BlobStore is nil.")
	}

	if s.Validator == nil {
		log.Println("No Validator given")
		s.Validator = NewNobodyDecoder()
	}

	// init database
	if s.Metadata == nil {
		switch {
		case s.MySQL != "":
			log.Printf("Using MySQL")
			db, err := NewMysqlStore(s.MySQL)
			if err != nil {
				panic("problem setting up database")
			}
			s.Metadata = db
			if s.VerifyLog == nil {
				s.VerifyLog = db
			}
		case s.DynamoDB != "":
			log.Printf("Using DynamoDB table %s", s.DynamoDB)
			db, err := NewDynamoStore(s.DynamoDB, nil)
			if err != nil {
				panic("problem setting up database")
			}
			s.Metadata = db
		default:
			path := "memory"
			if s.CacheDir != "" {
				path = filepath.Join(s.CacheDir, "teachcase.ql")
			}
			log.Printf("Using internal database at %s", path)
			db, err := NewQlStore(path)
			if err != nil {
				panic("problem setting up database")
			}
			s.Metadata = db
			if s.VerifyLog == nil {
				s.VerifyLog = db
			}
		}
	}
	s.archive = cases.NewArchive(s.BlobStore, s.Metadata)

	// init blobcache
	if s.Cache == nil {
		if s.CacheDir == "" || s.CacheSize == 0 {
			log.Println("Not using blob cache")
			s.Cache = blobcache.EmptyCache{}
		} else {
			path := filepath.Join(s.CacheDir, "blobcache")
			os.MkdirAll(path, 0755)
			fs := store.NewFileSystem(path)
			c := blobcache.NewLRU(fs, s.CacheSize)
			go c.Scan()
			s.Cache = c
		}
	}

	// init verification sweep
	if s.VerifyInterval > 0 {
		log.Println("Starting Verifier, interval", s.VerifyInterval)
		s.verifystop = make(chan struct{})
		go s.verifyLoop()
	}

	// for pprof
	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	if s.PortNumber == "" {
		s.PortNumber = "14000"
	}
	log.Println("Listening on", s.PortNumber)

	var err error
	h := httpdown.HTTP{}
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.Handler(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop will stop the server and return when all the server goroutines have
// exited and the socket closed. It is a no-op if the server was never
// started.
func (s *RESTServer) Stop() error {
	if s.verifystop != nil {
		close(s.verifystop)
	}
	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

// Handler returns the root handler for the server's API routes. Run
// listens with it; it is exposed so the server can be driven by httptest
// or mounted inside a larger mux. BlobStore, Metadata, and Cache must be
// set first. Missing pieces Run would assemble are defaulted, except the
// metadata database.
func (s *RESTServer) Handler() http.Handler {
	if s.Validator == nil {
		s.Validator = NewNobodyDecoder()
	}
	if s.Cache == nil {
		s.Cache = blobcache.EmptyCache{}
	}
	if s.archive == nil {
		s.archive = cases.NewArchive(s.BlobStore, s.Metadata)
	}
	return s.addRoutes()
}

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		// the case archive
		{"GET", "/cases", RoleRead, s.ListCasesHandler},
		{"POST", "/cases", RoleWrite, s.NewCaseHandler},
		{"GET", "/cases/:id", RoleMDOnly, s.CaseHandler},
		{"POST", "/cases/:id/images", RoleWrite, s.AddImageHandler},
		{"GET", "/cases/:id/images/:image", RoleRead, s.ImageHandler},
		{"GET", "/cases/:id/verify", RoleAdmin, s.VerifyHandler},
		{"GET", "/cases/:id/export", RoleRead, s.ExportHandler},

		// raw blob access. these are what a copy-on-write store
		// pointed at this server will call.
		{"GET", "/blobs/list", RoleAdmin, s.BlobListHandler},
		{"GET", "/blobs/open/*key", RoleAdmin, s.BlobOpenHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/stats", RoleUnknown, NotImplementedHandler},
		{"GET", "/metrics", RoleUnknown, MetricsHandler},
		{"GET", "/debug/vars", RoleUnknown, VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			logWrapper(instrumentWrapper(route.route, s.authzWrapper(route.handler, route.role))))
	}
	// browser viewers are served from other origins
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Api-Key"}),
	)
	return cors(r)
}

// General route handlers and convinence functions

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// NotImplementedHandler will return a 501 not implemented error.
func NotImplementedHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.WriteHeader(http.StatusNotImplemented)
	fmt.Fprintf(w, "Not Implemented\n")
}

// authzWrapper returns a Handler which will first verify the user token as
// having at least the given Role. The user name is added as a parameter
// "username".
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("X-Api-Key")
		user, role, err := s.Validator.TokenDecode(token)
		if err != nil {
			w.WriteHeader(500)
			fmt.Fprintln(w, err.Error())
			return
		}

		// is role valid?
		if role < leastRole {
			w.WriteHeader(401)
			fmt.Fprintln(w, "Forbidden")
			return
		}

		// remove any previous username
		for i := range ps {
			if ps[i].Key == "username" {
				ps[i].Value = user
				goto out
			}
		}
		// add a new username if none found
		ps = append(ps, httprouter.Param{Key: "username", Value: user})
	out:
		handler(w, r, ps)
	}
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
