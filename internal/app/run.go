package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/schoolpsy/psyhelper/internal/account"
	"github.com/schoolpsy/psyhelper/internal/api"
	"github.com/schoolpsy/psyhelper/internal/call"
	"github.com/schoolpsy/psyhelper/internal/cloud"
	"github.com/schoolpsy/psyhelper/internal/cloudsync"
	"github.com/schoolpsy/psyhelper/internal/config"
	"github.com/schoolpsy/psyhelper/internal/logbuf"
	"github.com/schoolpsy/psyhelper/internal/quiz"
	"github.com/schoolpsy/psyhelper/internal/storage"
	"github.com/schoolpsy/psyhelper/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	Dir      string
	CfgPath  string
	Cfg      config.Config
	Progress func(step, total int, label string)
}

// SetupLogging applies the configured level and format to every go-log
// subsystem.
func SetupLogging(c config.Log) logging.LogLevel {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		lvl = logging.LevelInfo
	}
	format := logging.ColorizedOutput
	switch c.Format {
	case "nocolor":
		format = logging.PlaintextOutput
	case "json":
		format = logging.JSONOutput
	}
	logging.SetupLogging(logging.Config{Format: format, Stderr: true, Level: lvl})
	return lvl
}

// services is everything Run and Sync build from the config.
type services struct {
	db     *storage.DB
	store  cloud.Store
	mirror *cloud.Mirror
	sync   *cloudsync.Manager
}

func (s *services) close() {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := s.store.Close(ctx); err != nil {
		log.Warnf("close cloud store: %v", err)
	}
	if err := s.db.Close(); err != nil {
		log.Warnf("close database: %v", err)
	}
}

func openStore(ctx context.Context, c config.Cloud) (cloud.Store, error) {
	switch c.Driver {
	case "mongo":
		timeout := time.Duration(c.TimeoutSec) * time.Second
		m, err := cloud.DialMongo(ctx, c.URI, c.Database, timeout)
		if err != nil {
			return nil, err
		}
		ictx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := m.EnsureIndexes(ictx); err != nil {
			// offline at start is fine; the sync loop retries
			log.Warnf("ensure cloud indexes: %v", err)
		}
		return m, nil
	default:
		return cloud.NewMemory(), nil
	}
}

func openServices(ctx context.Context, dir string, cfg config.Config) (*services, error) {
	db, err := storage.Open(util.ResolvePath(dir, cfg.Paths.DataDir))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store, err := openStore(ctx, cfg.Cloud)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open cloud store: %w", err)
	}
	mirror := cloud.NewMirror(store)
	sm := cloudsync.New(mirror, db, time.Duration(cfg.Sync.OnlineCheckSec)*time.Second)
	return &services{db: db, store: store, mirror: mirror, sync: sm}, nil
}

// Run starts the app and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	emit := opt.Progress
	if emit == nil {
		emit = func(int, int, string) {}
	}
	const total = 5
	step := 0
	progress := func(label string) {
		step++
		emit(step, total, label)
	}

	lvl := SetupLogging(cfg.Log)
	logs := logbuf.New(cfg.Log.BufferLines)
	capture := logs.Capture(lvl)
	defer capture.Close()

	logBanner(opt.Dir, opt.CfgPath)

	// ── Storage and cloud
	progress("Opening database")
	svc, err := openServices(ctx, opt.Dir, cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	if svc.sync.IsOnline(ctx) {
		if err := svc.mirror.TestConnection(ctx); err != nil {
			log.Warnf("cloud connection test: %v", err)
		} else {
			log.Infof("cloud %s reachable", cfg.Cloud.Driver)
		}
	} else {
		log.Warnf("cloud %s unreachable, working offline", cfg.Cloud.Driver)
	}

	// ── Services
	progress("Starting services")
	accounts := account.New(svc.db, svc.mirror, svc.sync)
	if err := accounts.SeedDefaults(ctx); err != nil {
		log.Warnf("seed default accounts: %v", err)
	}

	bankPath := ""
	if cfg.Paths.QuestionBank != "" {
		bankPath = util.ResolvePath(opt.Dir, cfg.Paths.QuestionBank)
	}
	bank := quiz.NewBank(svc.store, bankPath)
	bank.Load(ctx)
	if err := bank.Watch(ctx, nil); err != nil {
		log.Warnf("watch question bundle: %v", err)
	}
	quizSvc := quiz.NewService(bank, svc.db, svc.sync)

	calls := call.NewManager(svc.store, nil, nil, call.Options{
		ICEServers:         cfg.Call.ICEServers,
		NegotiationTimeout: time.Duration(cfg.Call.NegotiationTimeoutSec) * time.Second,
		IncomingFresh:      time.Duration(cfg.Call.IncomingFreshSec) * time.Second,
		VideoWidth:         cfg.Call.VideoWidth,
		VideoHeight:        cfg.Call.VideoHeight,
		PreferredCam:       cfg.Call.PreferredCam,
		PreferredMic:       cfg.Call.PreferredMic,
	})
	defer calls.Close()

	sess := &session{ctx: ctx, calls: calls, sync: svc.sync}
	defer svc.sync.StopAllRealtime()

	// ── Session restore
	progress("Restoring session")
	if u, ok := accounts.AutoLogin(ctx); ok {
		log.Infof("restored session of %q", u.Username)
		sess.signedIn(u)
	}

	// ── Sync loop
	progress("Starting sync")
	if cfg.Sync.Enabled {
		go svc.sync.Run(ctx, time.Duration(cfg.Sync.IntervalSec)*time.Second, accounts.CurrentID)
	}

	// ── HTTP API
	progress("Starting API")
	if cfg.Viewer.HTTPAddr == "" {
		<-ctx.Done()
		return nil
	}
	listenAddr, url, _ := NormalizeLocalAddr(cfg.Viewer.HTTPAddr)
	log.Infof("api: %s", url)
	err = api.Start(ctx, listenAddr, &api.Server{
		DB:       svc.db,
		Accounts: accounts,
		Quiz:     quizSvc,
		Sync:     svc.sync,
		Calls:    calls,
		Logs:     logs,
		OnLogin:  sess.signedIn,
		OnLogout: sess.signedOut,
	})
	log.Infof("shutting down")
	return err
}

// session starts and stops the per-user background work.
type session struct {
	ctx   context.Context
	calls *call.Manager
	sync  *cloudsync.Manager
}

func (s *session) signedIn(u storage.User) {
	if err := s.calls.Listen(s.ctx, strconv.FormatInt(u.ID, 10)); err != nil {
		log.Warnf("listen for calls: %v", err)
	}
	err := s.sync.StartUserMessagesRealtime(s.ctx, u.ID, func(m storage.Message) {
		log.Debugf("new message from %d", m.SenderID)
	})
	if err != nil {
		log.Warnf("live inbox: %v", err)
	}
	go func() {
		if _, err := s.sync.SyncMessagesForUser(s.ctx, u.ID); err != nil && !errors.Is(err, cloudsync.ErrOffline) {
			log.Warnf("sync messages: %v", err)
		}
	}()
}

func (s *session) signedOut() {
	s.calls.StopListening()
	s.sync.StopAllRealtime()
}

// Sync runs one full reconciliation pass, for the sync command.
func Sync(ctx context.Context, opt Options) (cloudsync.Report, error) {
	SetupLogging(opt.Cfg.Log)
	svc, err := openServices(ctx, opt.Dir, opt.Cfg)
	if err != nil {
		return cloudsync.Report{}, err
	}
	defer svc.close()
	return svc.sync.SyncAllData(ctx)
}

// DataPath is where the local database of dir lives.
func DataPath(dir string, cfg config.Config) string {
	return filepath.Join(util.ResolvePath(dir, cfg.Paths.DataDir), storage.FileName)
}
