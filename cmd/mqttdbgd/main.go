// Command mqttdbgd runs the MQTT debug broker, either interactively or as
// an installed OS service, in the same shape cmd/gobroke/gobroke.go used
// for its own server: a thin service.Service wrapper around Run/Shutdown.
package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/gtofzz/mqttdbg"
	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
)

type program struct {
	server *mqttdbg.Server
}

func (p *program) Start(s service.Service) error {
	go func() {
		if err := p.server.Run(); err != nil {
			log.Fatal(err)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.server.Shutdown()
	return nil
}

func main() {
	cfg := mqttdbg.DefaultConfig()
	cfg.BindFlags(flag.CommandLine)

	svcFlag := flag.String("service", "", "Control the system service.")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ePath, err := os.Executable()
	if err != nil {
		log.Fatal(err)
	}
	eDir, _ := filepath.Split(ePath)

	if cfg.Timestamp {
		log.SetFormatter(&log.TextFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	}
	switch {
	case cfg.Quiet:
		log.SetLevel(log.ErrorLevel)
	case service.Interactive():
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if !service.Interactive() {
		f, err := os.OpenFile(filepath.Join(eDir, "mqttdbgd.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		log.SetOutput(f)
	}

	prg := program{server: mqttdbg.NewServer(cfg)}
	svcConfig := service.Config{
		Name:        "mqttdbgd",
		DisplayName: "MQTT debug broker",
		Description: "Minimal MQTT 3.1.1 broker for observing and debugging embedded clients.",
	}

	s, err := service.New(&prg, &svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	if len(*svcFlag) != 0 {
		if err := service.Control(s, *svcFlag); err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}

	if err := s.Run(); err != nil {
		log.Fatal(err)
	}
}
