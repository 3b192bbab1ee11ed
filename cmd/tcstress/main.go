package main

// Stress test a teachcase instance by uploading synthetic cases.
//
// Parameters:
//  n   - The number of goroutines to use. Default is 20
//  z   - The maximum size of an image. Default is 10 MB
//  c   - The number of cases to create. Default is 1000
//
//  url   - the url of the teachcase instance. Default is http://localhost:14000
//  token - API token to send. Needs write access.
//
// The images are real DICOM files, so the server's tag scanner sees a
// patient name and modality, and the verify sweep can rescan them later.

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/radarchive/teachcase/dicom/dicomtest"
	"github.com/radarchive/teachcase/util"
)

func main() {
	flag.Parse()
	wg := sync.WaitGroup{}
	gate := util.NewGate(*NumGoroutines)
	for i := 0; i < *Count; i++ {
		n := i
		wg.Add(1)
		go func() {
			gate.Enter()
			CreateCase(n)
			gate.Leave()
			wg.Done()
		}()
	}
	wg.Wait()
}

var (
	NumGoroutines = flag.Int("n", 20, "number of goroutines")
	MaxUpload     = flag.Int("z", 10, "max image size in MB")
	Count         = flag.Int("c", 1000, "number of cases to create")
	urlpath       = flag.String("url", "http://localhost:14000", "base url of service to test")
	token         = flag.String("token", "", "API token to send")
)

func dumpbody(resp *http.Response) {
	b := new(bytes.Buffer)
	io.Copy(b, resp.Body)
	log.Printf("   > %s", b.String())
}

// Upload a few images to make a new case.

func CreateCase(n int) {
	var totalsize int64
	starttime := time.Now()

	log.Printf("Starting case %05d", n)
	title := fmt.Sprintf("Stress case %05d", n)
	nimages := rand.Intn(4) + 1

	// the first image creates the case
	data := makeimage(fmt.Sprintf("9.9.%d.0", n))
	totalsize += int64(len(data))
	caseid, ok := post("/cases?title="+url.QueryEscape(title), data)
	if !ok {
		return
	}

	for i := 1; i < nimages; i++ {
		data := makeimage(fmt.Sprintf("9.9.%d.%d", n, i))
		totalsize += int64(len(data))
		_, ok := post("/cases/"+caseid+"/images", data)
		if !ok {
			return
		}
	}

	runDuration := time.Since(starttime)
	log.Printf("Created %s: %d images, %v bytes, %v time, %f MB/s", caseid,
		nimages, totalsize, runDuration,
		float64(totalsize)/1000000/runDuration.Seconds())
}

// post uploads body to the route and returns the case id in the response.

func post(route string, body []byte) (string, bool) {
	req, _ := http.NewRequest("POST", *urlpath+route, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/dicom")
	if *token != "" {
		req.Header.Set("X-Api-Key", *token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Println(err)
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 && resp.StatusCode != 201 {
		log.Printf("Received status %d for %s", resp.StatusCode, route)
		dumpbody(resp)
		return "", false
	}
	v, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		log.Println(err)
		return "", false
	}
	id, _ := v.GetString("data", "caseId")
	return id, true
}

// makeimage builds one DICOM file with a pixel payload of random size.

func makeimage(sop string) []byte {
	size := rand.Intn(*MaxUpload*1000000) &^ 1
	chunk := chunks.Get().(*Chunk)
	b := dicomtest.New(dicomtest.ExplicitLittle)
	b.String(0x0008, 0x0018, "UI", sop)
	b.String(0x0008, 0x0020, "DA", "20260102")
	b.String(0x0008, 0x0060, "CS", "OT")
	b.String(0x0010, 0x0010, "PN", "STRESS^TEST")
	b.String(0x0010, 0x0020, "LO", "stress0001")
	b.Element(0x7FE0, 0x0010, "OB", chunk.Data[:size])
	data := b.Bytes()
	chunks.Put(chunk)
	return data
}

/************************/

type Chunk struct {
	Data []byte
}

var (
	chunks *sync.Pool = &sync.Pool{New: NewChunk}
)

func NewChunk() interface{} {
	start := byte(rand.Intn(256))
	c := make([]byte, *MaxUpload*1000000)
	for i := range c {
		c[i] = start
		start = (start + 1) & 0xff
	}
	return &Chunk{Data: c}
}
