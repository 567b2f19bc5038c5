package server

import (
	"github.com/sunbk201/reqhdr/internal/config"
	"github.com/sunbk201/reqhdr/internal/engine"
	"github.com/sunbk201/reqhdr/internal/mitm"
	"github.com/sunbk201/reqhdr/internal/server/http"
)

// Server is the host the engine runs in. It registers the engine's listener
// and delivers every outgoing request to it.
type Server interface {
	engine.Registrar
	Start() error
	Close() error
	Addr() string
	Listener() engine.ListenerSpec
}

func NewServer(cfg *config.Config, eng *engine.Engine, certs *mitm.CertManager) (Server, error) {
	srv, err := http.New(cfg, eng, certs)
	if err != nil {
		return nil, err
	}
	return srv, nil
}
