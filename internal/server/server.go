package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/sjawhar/ghost-voice/internal/classify"
	"github.com/sjawhar/ghost-voice/internal/rtc"
	"github.com/sjawhar/ghost-voice/internal/transcript"
)

// ControlHooks connect the API to the running negotiator. Nil hooks make
// the matching routes report an idle or unconfigured process.
type ControlHooks struct {
	StartSession func(ctx context.Context) error
	StopSession  func()
	Status       func() rtc.Status
	Lines        func() []transcript.Line
	Warnings     func() []string
}

func Handler(staticFS fs.FS, hub *Hub, store SessionStore, gw Gateway, controls ControlHooks) (http.Handler, error) {
	if hub == nil {
		return nil, errors.New("server: hub is required")
	}
	if store == nil {
		return nil, errors.New("server: session store is required")
	}
	if len(gw.Vocabulary) == 0 {
		gw.Vocabulary = classify.DefaultVocabulary
	}

	mux := http.NewServeMux()

	registerWSRoute(mux, hub, controls)
	registerGatewayRoutes(mux, gw)
	registerAPIRoutes(mux, store, controls)

	fileServer := http.FileServer(http.FS(staticFS))
	mux.HandleFunc("/", serveSPA(fileServer))

	return mux, nil
}

func serveSPA(fileServer http.Handler) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" {
			http.NotFound(w, r)
			return
		}

		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if cleanPath == "." || cleanPath == "" {
			r.URL.Path = "/"
		} else if !strings.Contains(cleanPath, ".") {
			r.URL.Path = "/index.html"
		} else {
			r.URL.Path = "/" + cleanPath
		}

		fileServer.ServeHTTP(w, r)
	}
}
