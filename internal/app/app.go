// Package app — сборка менеджера инстансов: конфигурация, шлюз, движок жизненного
// цикла соединений, журнал записей, HTTP API и консоль. Подсистемы регистрируются
// узлами lifecycle и гасятся в обратном порядке.
package app

import (
	"context"
	stderrors "errors"
	"path/filepath"

	"wa-instances/internal/adapters/cli"
	"wa-instances/internal/engine"
	"wa-instances/internal/gateway"
	"wa-instances/internal/infra/config"
	"wa-instances/internal/infra/lifecycle"
	"wa-instances/internal/infra/logger"
	"wa-instances/internal/infra/pr"
	"wa-instances/internal/store"
	"wa-instances/internal/web"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	nodeStore    = "store"
	nodeRecorder = "recorder"
	nodeEngine   = "engine"
	nodeWatch    = "watch"
	nodeWeb      = "web"
	nodeCLI      = "cli"
)

// App агрегирует подсистемы и управляет их запуском/остановкой.
type App struct {
	env        config.EnvConfig
	mainCtx    context.Context
	mainCancel context.CancelFunc

	lc       *lifecycle.Manager
	group    errgroup.Group
	gw       *gateway.HTTPClient
	records  *store.BoltStore
	recorder *store.AsyncRecorder
	eng      *engine.Engine
	server   *web.Server
	console  *cli.Service
	watches  []func()
}

// NewApp создаёт каркас приложения. Фактическая сборка — в Init.
func NewApp() *App {
	return &App{}
}

// Init связывает зависимости и регистрирует узлы lifecycle. mainCancel используется
// узлами для остановки всего процесса (консоль exit, падение web-сервера).
func (a *App) Init(ctx context.Context, mainCancel context.CancelFunc) error {
	a.env = config.Env()
	a.mainCtx = ctx
	a.mainCancel = mainCancel
	a.lc = lifecycle.New(ctx)

	gw, err := gateway.NewHTTPClient(gateway.Options{
		BaseURL: a.env.GatewayURL,
		Token:   a.env.GatewayToken,
		Timeout: a.env.GatewayTimeout,
		RPS:     a.env.GatewayRPS,
		Retries: a.env.GatewayRetries,
	})
	if err != nil {
		return errors.Wrap(err, "init gateway client")
	}
	a.gw = gw

	nodes := []struct {
		name   string
		parent string
		deps   []string
		start  lifecycle.StartFunc
		stop   lifecycle.StopFunc
	}{
		{nodeStore, "", nil, a.startStore, a.stopStore},
		{nodeRecorder, "", []string{nodeStore}, a.startRecorder, a.stopRecorder},
		{nodeEngine, "", []string{nodeRecorder}, a.startEngine, a.stopEngine},
		{nodeWatch, nodeEngine, nil, a.startWatch, a.stopWatch},
		{nodeWeb, "", []string{nodeEngine}, a.startWeb, nil},
		{nodeCLI, "", []string{nodeEngine}, a.startCLI, a.stopCLI},
	}
	for _, n := range nodes {
		if err := a.lc.Register(n.name, n.parent, n.deps, n.start, n.stop); err != nil {
			return errors.Wrapf(err, "register node %s", n.name)
		}
	}
	return nil
}

// Run поднимает узлы и блокируется до отмены главного контекста.
func (a *App) Run() error {
	logger.Info("Instance manager starting...", zap.String("gateway", a.env.GatewayURL))
	if err := a.lc.StartAll(); err != nil {
		a.mainCancel()
		return stderrors.Join(err, a.lc.Shutdown(), a.group.Wait())
	}
	logger.Info("Instance manager running")

	<-a.mainCtx.Done()
	logger.Info("Shutdown signal received, stopping services...")
	shutdownErr := a.lc.Shutdown()
	return stderrors.Join(shutdownErr, a.group.Wait())
}

func (a *App) startStore(context.Context) error {
	records, err := store.Open(a.env.StoreFile)
	if err != nil {
		return err
	}
	a.records = records

	known, err := records.List()
	if err != nil {
		return err
	}
	for _, rec := range known {
		logger.Debug("Known instance",
			zap.String("instance", rec.InstanceID),
			zap.String("status", string(rec.Status)),
			zap.Bool("really_connected", rec.ReallyConnected))
	}
	logger.Info("Instance records loaded", zap.Int("count", len(known)), zap.String("file", a.env.StoreFile))
	return nil
}

func (a *App) stopStore(context.Context) error {
	return a.records.Close()
}

func (a *App) startRecorder(ctx context.Context) error {
	a.recorder = store.NewAsyncRecorder(a.records, msDuration(a.env.PersistDebounceMS))
	a.recorder.Start(ctx)
	return nil
}

func (a *App) stopRecorder(context.Context) error {
	a.recorder.Stop()
	if n := a.recorder.Failures(); n > 0 {
		logger.Warn("Recorder finished with failed writes", zap.Int("failed", n))
	}
	return nil
}

func (a *App) startEngine(ctx context.Context) error {
	eng, err := engine.New(ctx, engine.Options{
		Gateway:  a.gw,
		Policy:   config.Policy(),
		Recorder: a.recorder,
	})
	if err != nil {
		return err
	}
	a.eng = eng
	return nil
}

func (a *App) stopEngine(context.Context) error {
	a.eng.Close()
	return nil
}

// startWatch держит подписку на каждый инстанс из WATCH_INSTANCES.
func (a *App) startWatch(context.Context) error {
	for _, id := range a.env.WatchInstances {
		unsubscribe, err := a.eng.Subscribe(id, nil)
		if err != nil {
			return errors.Wrapf(err, "watch %q", id)
		}
		a.watches = append(a.watches, unsubscribe)
		logger.Info("Watching instance", zap.String("instance", id))
	}
	return nil
}

func (a *App) stopWatch(context.Context) error {
	for _, unsubscribe := range a.watches {
		unsubscribe()
	}
	a.watches = nil
	return nil
}

func (a *App) startWeb(ctx context.Context) error {
	if !a.env.WebServerEnable {
		logger.Info("Web server disabled")
		return nil
	}
	server, err := web.NewServer(web.Options{
		Address: a.env.WebServerAddress,
		Token:   a.env.WebAPIToken,
		Engine:  a.eng,
		Records: a.records,
		LogFile: a.env.LogFile,
		Health:  a.lc.Report,
	})
	if err != nil {
		return err
	}
	a.server = server
	if a.env.WebAPIToken == "" {
		logger.Warn("WEB_API_TOKEN is empty: HTTP API is not protected")
	}

	a.group.Go(func() error {
		if err := server.Run(ctx); err != nil {
			logger.Error("Web server stopped", zap.Error(err))
			a.mainCancel()
			return err
		}
		return nil
	})
	return nil
}

func (a *App) startCLI(ctx context.Context) error {
	if !a.env.CLIEnable {
		return nil
	}
	if err := pr.Init("> "); err != nil {
		logger.Warn("Console disabled", zap.Error(err))
		return nil
	}
	logger.SetWriters(pr.Stdout(), pr.Stderr())

	a.console = cli.NewService(a.eng, a.records, a.mainCancel, filepath.Dir(a.env.StoreFile))
	a.console.Start(ctx)
	return nil
}

func (a *App) stopCLI(context.Context) error {
	if a.console != nil {
		a.console.Stop()
	}
	return nil
}
