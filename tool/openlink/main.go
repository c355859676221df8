/*
Copyright 2024 OpenLink Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/config"
	"github.com/Raywonder/openlink-sub002/lib/service"
	"github.com/Raywonder/openlink-sub002/lib/utils"
)

func main() {
	utils.InitLogger(utils.LoggingForCLI, log.InfoLevel)
	if err := run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

func run(args []string) error {
	var clf config.CommandLineFlags

	app := kingpin.New("openlink", "OpenLink rendezvous and signaling server.")
	app.Flag("debug", "Enable verbose logging to stderr.").
		Short('d').BoolVar(&clf.Debug)

	start := app.Command("start", "Starts the rendezvous server.")
	start.Flag("config", "Path to a configuration file in YAML format.").
		Short('c').StringVar(&clf.ConfigFile)
	start.Flag("listen", "Address to bind, overrides the config file.").
		StringVar(&clf.ListenAddr)
	start.Flag("base-domain", "Base domain for subdomain provisioning, repeatable.").
		StringsVar(&clf.BaseDomains)

	version := app.Command("version", "Print the version.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(&clf))
	case version.FullCommand():
		if openlink.Gitref != "" {
			fmt.Printf("openlink v%v git:%v\n", openlink.Version, openlink.Gitref)
		} else {
			fmt.Printf("openlink v%v\n", openlink.Version)
		}
		return nil
	}
	return nil
}

func onStart(clf *config.CommandLineFlags) error {
	level := log.InfoLevel
	if clf.Debug {
		level = log.DebugLevel
	}
	utils.InitLogger(utils.LoggingForDaemon, level)

	cfg := service.MakeDefaultConfig()
	if err := config.Configure(clf, cfg); err != nil {
		return trace.Wrap(err)
	}

	process, err := service.NewProcess(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := process.Start(ctx); err != nil {
		return trace.Wrap(err)
	}
	<-ctx.Done()
	log.Info("Shutting down.")
	process.Shutdown(context.Background())
	return nil
}
