package main

// The tcclient tool drives a teachcase server from the command line. It
// speaks the JSON API through the clientapi package, so it sees the same
// envelopes and error codes any other client would.

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/antonholmquist/jason"

	"github.com/radarchive/teachcase/cases"
	"github.com/radarchive/teachcase/clientapi"
	"github.com/radarchive/teachcase/util"
)

var (
	server      = flag.String("server", "http://localhost:14000", "URL of the teachcase server")
	token       = flag.String("token", "", "API token to authenticate with")
	title       = flag.String("title", "", "title for a new case")
	description = flag.String("description", "", "description for a new case")
	diagnosis   = flag.String("diagnosis", "", "diagnosis for a new case")
	findings    = flag.String("findings", "", "findings for a new case")
	modality    = flag.String("modality", "", "modality for a new case, overriding the image's")
	anatomy     = flag.String("anatomy", "", "anatomy for a new case")
	tags        = flag.String("tags", "", "comma separated tags for a new case")
	usage       = `
tcclient <command> <command arguments>

Possible commands:
    ls

    get <case id>

    create <dicom file>

    addimage <case id> <dicom file>

    image <case id> <image id> [output file]

    verify <case id>

    export <case id> [output file]
`
)

func main() {
	flag.Parse()

	args := flag.Args()

	if len(args) == 0 {
		fmt.Println(usage)
		return
	}

	conn := &clientapi.Connection{HostURL: *server, Token: *token}

	switch args[0] {
	case "ls":
		dols(conn)
	case "get":
		if len(args) != 2 {
			fmt.Println("Usage: tcclient <flags> get <case id>")
			return
		}
		doget(conn, args[1])
	case "create":
		if len(args) != 2 {
			fmt.Println("Usage: tcclient <flags> create <dicom file>")
			return
		}
		docreate(conn, args[1])
	case "addimage":
		if len(args) != 3 {
			fmt.Println("Usage: tcclient <flags> addimage <case id> <dicom file>")
			return
		}
		doaddimage(conn, args[1], args[2])
	case "image":
		if len(args) != 3 && len(args) != 4 {
			fmt.Println("Usage: tcclient <flags> image <case id> <image id> [output file]")
			return
		}
		doimage(conn, args[1], args[2], optional(args, 3))
	case "verify":
		if len(args) != 2 {
			fmt.Println("Usage: tcclient <flags> verify <case id>")
			return
		}
		doverify(conn, args[1])
	case "export":
		if len(args) != 2 && len(args) != 3 {
			fmt.Println("Usage: tcclient <flags> export <case id> [output file]")
			return
		}
		doexport(conn, args[1], optional(args, 2))
	default:
		fmt.Println(usage)
	}
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func dols(conn *clientapi.Connection) {
	list, err := conn.ListCases()
	if err != nil {
		fmt.Println(err)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Case\tModality\tImages\tTitle\n")
	for _, v := range list {
		id, _ := v.GetString("caseId")
		modality, _ := v.GetString("modality")
		title, _ := v.GetString("title")
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", id, modality, countimages(v), title)
	}
	w.Flush()
}

// countimages totals the direct images and those grouped under a series.
func countimages(v *jason.Object) int {
	images, _ := v.GetStringArray("imageIds")
	n := len(images)
	series, _ := v.GetObjectArray("series")
	for _, s := range series {
		ids, _ := s.GetStringArray("imageIds")
		n += len(ids)
	}
	return n
}

func doget(conn *clientapi.Connection, id string) {
	v, err := conn.Case(id)
	if err != nil {
		fmt.Printf("%s: Error %s\n", id, err.Error())
		return
	}
	printcase(v)
}

func printcase(v *jason.Object) {
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	for _, field := range []string{
		"caseId",
		"title",
		"description",
		"diagnosis",
		"findings",
		"modality",
		"anatomy",
		"patientName",
		"patientId",
		"studyDate",
		"studyDescription",
		"createdAt",
	} {
		s, err := v.GetString(field)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s:\t%s\n", field, s)
	}
	if list, err := v.GetStringArray("tags"); err == nil {
		fmt.Fprintf(w, "tags:\t%s\n", strings.Join(list, ", "))
	}
	w.Flush()
	images, _ := v.GetStringArray("imageIds")
	for _, id := range images {
		fmt.Println("Image:", id)
	}
	series, _ := v.GetObjectArray("series")
	for _, s := range series {
		id, _ := s.GetString("seriesId")
		desc, _ := s.GetString("description")
		fmt.Println("Series:", id, desc)
		ids, _ := s.GetStringArray("imageIds")
		for _, id := range ids {
			fmt.Println("    Image:", id)
		}
	}
}

func docreate(conn *clientapi.Connection, fname string) {
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		fmt.Println(err)
		return
	}
	fields := cases.Fields{
		Title:       *title,
		Description: *description,
		Diagnosis:   *diagnosis,
		Findings:    *findings,
		Modality:    *modality,
		Anatomy:     *anatomy,
	}
	if *tags != "" {
		fields.Tags = strings.Split(*tags, ",")
	}
	v, err := conn.CreateCase(fields, data)
	if err != nil {
		fmt.Println(err)
		return
	}
	id, _ := v.GetString("caseId")
	fmt.Println("Created case", id)
}

func doaddimage(conn *clientapi.Connection, caseID, fname string) {
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		fmt.Println(err)
		return
	}
	v, err := conn.AddImage(caseID, data)
	if err != nil {
		fmt.Println(err)
		return
	}
	images, _ := v.GetStringArray("imageIds")
	fmt.Printf("Case %s now has %d images\n", caseID, countimages(v))
	if len(images) > 0 {
		fmt.Println("Newest:", images[len(images)-1])
	}
}

func doimage(conn *clientapi.Connection, caseID, imageID, target string) {
	if target == "" {
		target = imageID + ".dcm"
	}
	var w io.Writer = os.Stdout
	if target != "-" {
		f, err := os.Create(target)
		if err != nil {
			fmt.Println(err)
			return
		}
		defer f.Close()
		w = f
	}
	hw := util.NewHashWriter(w)
	err := conn.Image(hw, caseID, imageID)
	if err != nil {
		fmt.Printf("%s / %s: Error %s\n", caseID, imageID, err.Error())
		return
	}
	// compare against the checksum recorded when the image was archived
	v, err := conn.Case(caseID)
	if err != nil {
		return
	}
	want, err := v.GetString("checksums", imageID)
	if err != nil || want == "" {
		return
	}
	goal, _ := hex.DecodeString(want)
	if _, ok := hw.Check(goal); !ok {
		fmt.Printf("%s / %s: checksum does not match the archive\n", caseID, imageID)
	}
}

func doverify(conn *clientapi.Connection, id string) {
	v, err := conn.Verify(id)
	if err != nil {
		fmt.Printf("%s: Error %s\n", id, err.Error())
		return
	}
	checked, _ := v.GetInt64("checked")
	fmt.Println("Images checked:", checked)
	problems := false
	for _, field := range []string{"missing", "orphans", "corrupt"} {
		list, err := v.GetStringArray(field)
		if err != nil || len(list) == 0 {
			continue
		}
		problems = true
		for _, id := range list {
			fmt.Printf("%s: %s\n", field, id)
		}
	}
	if !problems {
		fmt.Println("ok")
	}
}

func doexport(conn *clientapi.Connection, id, target string) {
	if target == "" {
		target = id + ".zip"
	}
	f, err := os.Create(target)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer f.Close()
	err = conn.Export(f, id)
	if err != nil {
		fmt.Printf("%s: Error %s\n", id, err.Error())
		return
	}
	fmt.Println("Saved", target)
}
