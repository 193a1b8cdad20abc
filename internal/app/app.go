package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal"
	"github.com/bigbluebutton/bbb-consult-session/internal/appstats"
	"github.com/bigbluebutton/bbb-consult-session/internal/auth"
	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/filestore"
	"github.com/bigbluebutton/bbb-consult-session/internal/media"
	"github.com/bigbluebutton/bbb-consult-session/internal/pubsub"
	"github.com/bigbluebutton/bbb-consult-session/internal/server"
	"github.com/bigbluebutton/bbb-consult-session/internal/store"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/recorder"
	rtcsignal "github.com/bigbluebutton/bbb-consult-session/internal/webrtc/signal"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const shutdownTimeout = 30 * time.Second

var (
	app config.App

	flags struct {
		config  string
		dump    string
		debug   bool
		help    bool
		version bool
	}

	cfg   *config.Config
	ps    pubsub.PubSub
	st    store.Store
	relay rtcsignal.Relay
	hub   *rtcsignal.Hub
	sv    *server.Server
	hs    *server.HTTPServer
)

// Main parses the command line, starts the service and blocks until a
// termination signal.
func Main() {
	app.Name = internal.AppName
	app.Version = internal.AppVersion
	app.LongName = fmt.Sprintf("%s %s", app.Name, app.Version)
	app.InstanceId = uuid.New().String()

	flag.StringVarP(&flags.config, "config", "c", flags.config, "load configuration file")
	flag.StringVar(&flags.dump, "dump", "", "print config value (e.g. 'session.connectTimeout')")
	flag.BoolVarP(&flags.debug, "debug", "d", flags.debug, "enable debug log")
	flag.BoolVarP(&flags.help, "help", "h", flags.help, "print help")
	flag.BoolVarP(&flags.version, "version", "v", flags.version, "print version")
	flag.Parse()

	if flags.help {
		fmt.Printf("%s\n\n", app.LongName)
		flag.PrintDefaults()
		os.Exit(0)
	}

	if flags.version {
		fmt.Println(app.LongName)
		os.Exit(0)
	}

	if flags.dump != "" {
		log.SetLevel(log.FatalLevel)
		cfg = initConfig()
		loadConfig()
		dumpConfig()
	}

	Init()
	Run()

	select {}
}

func Init() {
	cfg = initConfig()
	log.Infof("Starting %s PID: %d", app.Name, os.Getpid())
	loadConfig()
	configureLog()
	sigintHandler()
	sighupHandler()
}

func Run() {
	ctx := context.Background()

	appstats.Init()
	appstats.ServePromMetrics(cfg.Prometheus)

	ps = pubsub.NewPubSub(cfg.PubSub)
	if err := ps.Check(); err != nil {
		log.Fatalf("failed to connect to pubsub: %v", err)
	}

	if err := recorder.CheckFsPermissions(cfg.Recorder); err != nil {
		log.Fatalf("failed to check recorder filesystem permissions: %v", err)
	}

	var err error
	if st, err = store.New(ctx, cfg.Store); err != nil {
		log.Fatalf("failed to open %s session store: %v", cfg.Store.Adapter, err)
	}

	files, err := filestore.New(cfg.FileStore)
	if err != nil {
		log.Fatalf("failed to configure %s file store: %v", cfg.FileStore.Adapter, err)
	}

	if relay, err = rtcsignal.NewRelay(cfg.Signaling, cfg.PubSub); err != nil {
		log.Fatalf("failed to configure %s signaling relay: %v", cfg.Signaling.Adapter, err)
	}

	device, err := media.NewDevice(cfg.Media.Device)
	if err != nil {
		log.Fatalf("failed to configure media device: %v", err)
	}

	sv = server.NewServer(cfg, ps, server.Deps{
		Store:  st,
		Files:  files,
		Relay:  relay,
		Device: device,
	})

	if cfg.HTTP.Enable {
		if cfg.Auth.JWTSecret == "" {
			log.Fatal("auth.jwtSecret is required by the http api")
		}
		if cfg.Signaling.ServeHub {
			hub = rtcsignal.NewHub(cfg.Signaling.LogTTL)
		}
		hs = server.NewHTTPServer(cfg, sv, hub, auth.NewHMACVerifier(cfg.Auth.JWTSecret))
		go func() {
			if err := hs.Serve(); err != nil {
				log.Fatalf("http server: %v", err)
			}
		}()
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("failed to notify readiness to systemd: %v", err)
	}

	if err := ps.Subscribe(cfg.PubSub.Channels.Subscribe, sv.HandlePubSub, sv.OnStart); err != nil {
		log.Fatalf("failed to subscribe to pubsub %s: %s", cfg.PubSub.Channels.Subscribe, err)
	}
}

// shutdown ends every session with reason shutdown before releasing the
// shared collaborators.
func shutdown(code int) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debugf("failed to notify stopping to systemd: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			log.Errorf("failed to stop http server: %s", err)
		}
	}

	if sv != nil {
		sv.Close(ctx)
	}

	if hub != nil {
		hub.Close()
	}

	if relay != nil {
		if err := relay.Close(); err != nil {
			log.Errorf("failed to close signaling relay: %s", err)
		}
	}

	if st != nil {
		st.Close()
	}

	if ps != nil {
		if err := ps.Close(); err != nil {
			log.Errorf("failed to close pubsub: %s", err)
		}
	}

	os.Exit(code)
}

func sighupHandler() {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Debug("reloading config...")
			loadConfig()
			configureLog()
		}
	}()
}

func sigintHandler() {
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigint
		shutdown(0)
	}()
}
