package proxy

import (
	"crypto/tls"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dichfoto/photostore/delivery"
	"github.com/dichfoto/photostore/thumbs"
)

// Serve blocks serving svc over HTTP on listen
func Serve(svc *delivery.Service, listen string) error {
	server := &http.Server{
		Addr:         listen,
		Handler:      NewHandler(svc),
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)), // disables http/2
	}
	log.Println("Listening for HTTP on", listen)
	return server.ListenAndServe()
}

// NewHandler routes
//
//	GET /albums/{album}/                 listing
//	GET /albums/{album}/{name}           original, ?thumb, ?variant=webp:960, ?download
//	GET /archives/{album}?title=T&name=  zip of the album, or of the named assets
func NewHandler(svc *delivery.Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("serving photos using photostore"))
	})
	mux.HandleFunc("GET /albums/{album}/{$}", func(w http.ResponseWriter, r *http.Request) {
		handleListing(w, r, svc)
	})
	mux.HandleFunc("GET /albums/{album}/{name}", func(w http.ResponseWriter, r *http.Request) {
		handleAsset(w, r, svc)
	})
	mux.HandleFunc("GET /archives/{album}", func(w http.ResponseWriter, r *http.Request) {
		handleArchive(w, r, svc)
	})
	return mux
}

func albumID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue("album"), 10, 64)
	if err != nil || id < 1 {
		http.Error(w, "bad album id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// ParseVariant reads "format:width", e.g. "webp:960"
func ParseVariant(s string) (delivery.Variant, bool) {
	format, width, ok := strings.Cut(s, ":")
	if !ok || format == "" {
		return delivery.Variant{}, false
	}
	w, err := strconv.Atoi(width)
	if err != nil || w < 1 {
		return delivery.Variant{}, false
	}
	return delivery.Variant{Format: strings.ToLower(format), Width: w}, true
}

func handleAsset(w http.ResponseWriter, req *http.Request, svc *delivery.Service) {
	album, ok := albumID(w, req)
	if !ok {
		return
	}
	name := req.PathValue("name")
	log.Println("Request is for", name, "in album", album)
	id, err := svc.Lookup(req.Context(), album, name)
	if err != nil {
		writeError(w, req, err)
		return
	}
	query := req.URL.Query()
	var rep delivery.Representation = delivery.Original{}
	if query.Has("thumb") {
		rep = delivery.Thumbnail{}
	}
	if v := query.Get("variant"); v != "" {
		variant, ok := ParseVariant(v)
		if !ok {
			http.Error(w, "variant must look like webp:960", http.StatusBadRequest)
			return
		}
		rep = variant
	}
	sd, err := svc.Deliver(req.Context(), id, rep, delivery.Options{
		IfNoneMatch: req.Header.Get("If-None-Match"),
		Attachment:  query.Has("download"),
	})
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeDescriptor(w, req, sd)
}

func handleArchive(w http.ResponseWriter, req *http.Request, svc *delivery.Service) {
	album, ok := albumID(w, req)
	if !ok {
		return
	}
	query := req.URL.Query()
	rep := delivery.Archive{Title: query.Get("title")}
	if rep.Title == "" {
		rep.Title = "album " + strconv.FormatInt(album, 10)
	}
	for _, name := range query["name"] {
		id, err := svc.Lookup(req.Context(), album, name)
		if err != nil {
			writeError(w, req, err)
			return
		}
		rep.Assets = append(rep.Assets, id)
	}
	sd, err := svc.BuildArchive(req.Context(), album, rep.Title, rep.Assets)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeDescriptor(w, req, sd)
}

var listTemplate = template.Must(template.New("list").Parse(`
<html>
<head>
<title>Album {{.Album}}</title>
<style>
.even { background-color: #eee }
.odd { background-color: #dedede }
.listing {
    margin-left: auto;
    margin-right: auto;
    width: 50%;
    padding: 0.1em;
    }

body { border: 0; padding: 0; margin: 0; background-color: #efefef; }
h1 {padding: 0.1em; background-color: #777; color: white; border-bottom: thin white dashed;}

</style>
</head>

<body>
<h1>Album {{.Album}} <a href="/archives/{{.Album}}">(zip)</a></h1>
<table class="listing">
    <tbody>
	{{range $i, $a := .Rows}}
		{{if $a.Odd}}
		<tr class="odd">
		{{else}}
		<tr class="even">
		{{end}}
			<td>{{if $a.Image}}<img src="{{$a.Href}}?thumb" loading="lazy" width="160">{{end}}</td>
			<td><a href="{{$a.Href}}">{{$a.Name}}</a></td>
		</tr>
	{{end}}
	</tbody>
</table>

</body>
</html>
`))

func handleListing(w http.ResponseWriter, req *http.Request, svc *delivery.Service) {
	album, ok := albumID(w, req)
	if !ok {
		return
	}
	ids, err := svc.AlbumAssets(req.Context(), album)
	if err != nil {
		writeError(w, req, err)
		return
	}
	type Row struct {
		Name  string
		Href  string
		Image bool
		Odd   bool
	}
	rows := make([]Row, 0, len(ids))
	for i, id := range ids {
		rows = append(rows, Row{
			Name:  id.StoredName,
			Href:  "/albums/" + strconv.FormatInt(album, 10) + "/" + url.PathEscape(id.StoredName),
			Image: thumbs.IsImage(id.StoredName),
			Odd:   i%2 == 1,
		})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = listTemplate.Execute(w, struct {
		Album int64
		Rows  []Row
	}{album, rows})
	if err != nil {
		log.Println("Listing", album, "failed:", err)
	}
}
