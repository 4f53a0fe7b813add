package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/RoanBrand/mqttcore/auth"
	"github.com/RoanBrand/mqttcore/broker"
	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
)

type program struct {
	server     broker.Server
	configFlag string
	execDir    string
	userFlag   string
	passFlag   string
}

func (p *program) Start(s service.Service) error {
	if p.configFlag != "" {
		if err := p.server.LoadFromFile(p.configFlag); err != nil {
			return err
		}
		log.Infoln("Using config file:", p.configFlag)
	} else {
		found := false
		for _, name := range []string{"config.toml", "config.json"} {
			toTry := filepath.Join(p.execDir, name)
			if !fileExists(toTry) {
				continue
			}
			if err := p.server.LoadFromFile(toTry); err != nil {
				return err
			}
			log.Infoln("Using config file:", toTry)
			found = true
			break
		}
		if !found {
			log.Infoln("No config file specified or found. Using defaults.")
		}
	}

	if p.userFlag != "" {
		a := auth.NewBasicAuth()
		a.RegisterUser(p.userFlag, p.userFlag, p.passFlag)
		p.server.Auther = a
	}

	if err := p.server.Start(); err != nil {
		return err
	}
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.server.Stop()
	return nil
}

func main() {
	svcFlag := flag.String("service", "", "Control the system service.")
	cnfFlag := flag.String("c", "", "Path of config file (.json or .toml).")
	userFlag := flag.String("user", "", "Only allow this client id and username.")
	passFlag := flag.String("pass", "", "Password for -user.")
	flag.Parse()

	ePath, err := os.Executable()
	if err != nil {
		log.Fatal(err)
	}
	eDir, _ := filepath.Split(ePath)

	// Set defaults before config override.
	if service.Interactive() {
		log.SetLevel(log.DebugLevel)
	} else {
		f, err := os.OpenFile(filepath.Join(eDir, "mqttcore.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		log.SetOutput(f)
	}

	prg := program{configFlag: *cnfFlag, execDir: eDir, userFlag: *userFlag, passFlag: *passFlag}
	svcConfig := service.Config{
		Name:        "mqttcore",
		DisplayName: "mqttcore MQTT server",
		Description: "MQTT 3.1.1 server built on the mqttcore session engine.",
	}

	s, err := service.New(&prg, &svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	if len(*svcFlag) != 0 {
		err := service.Control(s, *svcFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}

	err = s.Run()
	if err != nil {
		log.Fatal(err)
	}
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}
