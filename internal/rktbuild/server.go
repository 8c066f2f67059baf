package rktbuild

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// catalogServer serves work_dir/server over loopback HTTP. The sandbox
// reaches it through the reverse tunnel, so every catalog lookup and
// package download resolves without touching the network.
type catalogServer struct {
	srv *http.Server
}

// startCatalogServer binds the loopback listener and serves serverDir
// in the background. Binding failure is fatal; a half-reachable server
// would make every sandbox install fail in confusing ways.
func startCatalogServer() (*catalogServer, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", serverPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot bind catalog server on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", loggingHandler(http.FileServer(http.Dir(serverDir))))

	cs := &catalogServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	go func() {
		if err := cs.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			colError.Printf("Catalog server died: %v\n", err)
		}
	}()

	colArrow.Print("-> ")
	colSuccess.Printf("Serving %s on http://%s\n", serverDir, addr)
	return cs, nil
}

func (cs *catalogServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = cs.srv.Shutdown(ctx)
}

func loggingHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		debugf("serve %s %s\n", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
