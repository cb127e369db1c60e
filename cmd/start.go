package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cpacia/obmail/directory"
	"github.com/cpacia/obmail/events"
	"github.com/cpacia/obmail/fetch"
	"github.com/cpacia/obmail/index"
	"github.com/cpacia/obmail/message"
	"github.com/cpacia/obmail/pipeline"
	"github.com/cpacia/obmail/pow"
	"github.com/cpacia/obmail/repo"
	"github.com/cpacia/obmail/store"
	"github.com/cpacia/obmail/transmit"
	"github.com/cpacia/obmail/version"
	"github.com/cpacia/obmail/walletiface"
	"github.com/fatih/color"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("CMD")

// Start is the main entry point for the mail client daemon. The options
// to this command are the same as the client's config options.
type Start struct {
	repo.Config
}

// transmitterHandle and finalizerHandle exist purely to break the
// construction cycle between pow, transmit and pipeline: each stage
// needs a handle to the next one before that next one exists yet.
type transmitterHandle struct {
	t *transmit.Transmitter
}

func (h *transmitterHandle) Enqueue(id message.ID) { h.t.Enqueue(id) }

type finalizerHandle struct {
	c *pipeline.Controller
}

func (h *finalizerHandle) Finalize(id message.ID) error { return h.c.Finalize(id) }

// Execute starts the mail client daemon.
func (x *Start) Execute(args []string) error {
	cfg, _, err := repo.LoadConfig()
	if err != nil {
		return err
	}

	if err := repo.CheckAndSetUlimit(); err != nil {
		log.Warningf("Error raising open file limit: %s", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus()

	idx := index.New(st, bus)
	idx.Start(context.Background())
	defer idx.Stop()

	target, err := message.IDFromHex(cfg.PoWTarget)
	if err != nil {
		return fmt.Errorf("invalid powtarget: %w", err)
	}
	pow.DefaultTarget = target

	var defaults []message.MailServer
	for i, addr := range cfg.MailServers {
		defaults = append(defaults, message.MailServer{Name: fmt.Sprintf("default-%d", i), Endpoint: addr})
	}
	resolver := directory.New(directory.NopDirectory{}, defaults)

	wallet := walletiface.NewNop(nil)

	xh := &transmitterHandle{}
	powEngine := pow.New(st, xh)
	defer powEngine.Stop()
	fh := &finalizerHandle{}
	xmit := transmit.New(st, powEngine, fh)
	xh.t = xmit

	ctrl := pipeline.New(st, idx, resolver, wallet, powEngine, xmit, bus)
	fh.c = ctrl

	fetcher := fetch.New(st, idx, wallet, resolver, bus)

	notifications, err := bus.Subscribe([]interface{}{
		&events.NewMail{},
		&events.TransactionNotice{},
		&events.MessageStatusChanged{},
		&events.MessageFinalized{},
		&events.IndexingFinished{},
	})
	if err != nil {
		return err
	}
	defer notifications.Close()
	go logEvents(notifications)

	printSplashScreen()

	if err := ctrl.Recover(context.Background()); err != nil {
		return fmt.Errorf("error recovering in-flight messages: %w", err)
	}

	interval := time.Duration(cfg.FetchIntervalSec) * time.Second
	if interval <= 0 {
		interval = 120 * time.Second
	}
	fetchTicker := time.NewTicker(interval)
	defer fetchTicker.Stop()

	fetchCtx, cancelFetch := context.WithCancel(context.Background())
	defer cancelFetch()
	go func() {
		for {
			select {
			case <-fetchCtx.Done():
				return
			case <-fetchTicker.C:
				if n, err := fetcher.CheckNewMail(fetchCtx, false); err != nil {
					log.Errorf("Error checking for new mail: %s", err)
				} else if n > 0 {
					log.Infof("Fetched %d new message(s)", n)
				}
			}
		}
	}()

	log.Infof("Mail client started, data directory %s", cfg.DataDir)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
	log.Info("Mail client shutting down...")
	return nil
}

// logEvents drains sub for the life of the process, writing one log
// line per event. It is the daemon's only consumer of the event bus;
// a future API layer would subscribe the same way to push updates to
// a client instead.
func logEvents(sub events.Subscription) {
	for evt := range sub.Out() {
		switch e := evt.(type) {
		case *events.NewMail:
			log.Infof("%d new message(s) arrived", e.Count)
		case *events.TransactionNotice:
			log.Infof("Transaction notice from %s for %s", e.Sender, e.Recipient)
		case *events.MessageStatusChanged:
			log.Debugf("Message %s is now %s", e.ID, e.Status)
		case *events.MessageFinalized:
			log.Infof("Message %s finalized as %s", e.StaticID, e.FinalID)
		case *events.IndexingFinished:
			log.Info("Archive indexing finished")
		}
	}
}

func printSplashScreen() {
	blue := color.New(color.FgBlue)
	white := color.New(color.FgWhite)

	for i, l := range []string{
		" _____ ___  ",
		"     __  ___       _ _ ",
		`|     |  |  \    / \  |/| |`,
		`|     |  |  |\  / |\/| | |`,
		`|_____|__|__| \/  |  | |_|`,
	} {
		if i%2 == 0 {
			if _, err := white.Printf(l); err != nil {
				log.Debug(err)
				return
			}
			continue
		}
		if _, err := blue.Println(l); err != nil {
			log.Debug(err)
			return
		}
	}

	blue.DisableColor()
	white.DisableColor()
	fmt.Println("")
	fmt.Printf("\nobmail v%s\n", version.String())
}
