package main

import (
	"fmt"
	"os"

	"github.com/clinext/extraction-engine/internal/app"
	"github.com/clinext/extraction-engine/internal/httpapi"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to init app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	router := httpapi.NewRouter(a.Log, a.Engine, a.Hub)

	a.Log.Info("starting extraction engine", "addr", a.Cfg.HTTPAddr)
	if err := router.Run(a.Cfg.HTTPAddr); err != nil {
		a.Log.Fatal("server exited", "error", err)
	}
}
