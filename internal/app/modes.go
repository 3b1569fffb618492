package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotarb/internal/cache/redis"
	"github.com/alanyoungcy/spotarb/internal/config"
	"github.com/alanyoungcy/spotarb/internal/control"
	"github.com/alanyoungcy/spotarb/internal/domain"
	"github.com/alanyoungcy/spotarb/internal/executor"
	"github.com/alanyoungcy/spotarb/internal/feed"
	"github.com/alanyoungcy/spotarb/internal/notify"
	"github.com/alanyoungcy/spotarb/internal/pipeline"
	"github.com/alanyoungcy/spotarb/internal/platform/binance"
	"github.com/alanyoungcy/spotarb/internal/platform/bitget"
	"github.com/alanyoungcy/spotarb/internal/platform/paper"
	"github.com/alanyoungcy/spotarb/internal/platform/wsconn"
	"github.com/alanyoungcy/spotarb/internal/quality"
	"github.com/alanyoungcy/spotarb/internal/rules"
	"github.com/alanyoungcy/spotarb/internal/server"
	"github.com/alanyoungcy/spotarb/internal/server/handler"
	"github.com/alanyoungcy/spotarb/internal/server/middleware"
	"github.com/alanyoungcy/spotarb/internal/server/ws"
	"github.com/alanyoungcy/spotarb/internal/strategy"
)

const (
	heartbeatStaleAfter = 30 * time.Second
	startupTimeout      = 30 * time.Second
	alertTimeout        = 10 * time.Second
)

// marketData is what every market-data mode shares: the symbol index, the
// quality registry and one collector per venue feeding books.
type marketData struct {
	index      *rules.Index
	quality    *quality.Registry
	books      chan domain.BookSnapshot
	collectors []*feed.Collector
}

// TradeMode runs collectors, the strategy engine and the orchestrator with
// live venue adapters, holding the single-instance lock when redis is on.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.runTrading(ctx, deps, true)
}

// PaperMode is TradeMode with every venue replaced by a paper venue seeded
// from paper.balances.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runTrading(ctx, deps, false)
}

func (a *App) runTrading(ctx context.Context, deps *Dependencies, live bool) error {
	venues := a.cfg.ActiveVenues()
	md, err := a.buildMarketData(venues)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	sw := control.NewSwitch(a.cfg.Bot.TradingEnabled, a.logger, nil)
	hub := a.newHub(deps)
	pipe := a.newPipeline(deps, a.newPublisher(deps, hub))
	sw.OnChange(func(st domain.TradingState) {
		pipe.Publisher.PublishState(st)
		a.alertStateChange(deps.Notifier, st)
	})

	// Single-instance lock.
	if live && deps.LockManager != nil {
		key, ttl := a.cfg.Redis.LockKey, a.cfg.Redis.LockTTL.Duration
		unlock, err := deps.LockManager.Acquire(ctx, key, ttl)
		if err != nil {
			return fmt.Errorf("app: acquire executor lock %s: %w", key, err)
		}
		a.closers = append(a.closers, unlock)
		g.Go(func() error {
			redis.Hold(ctx, deps.LockManager, key, ttl, func(err error) {
				a.logger.Error("executor lock lost, disabling trading",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				sw.Disable("lock", "executor lock lost")
				a.alert(deps.Notifier, notify.EventLockLost, "executor lock lost", err.Error())
			})
			return nil
		})
	}

	adapters, sockets, err := a.buildAdapters(venues, md.quality, live)
	if err != nil {
		return err
	}

	takerFees := make(map[string]float64, len(venues))
	for _, v := range venues {
		takerFees[v] = a.cfg.Exchanges[v].TakerFee()
	}
	bot := a.cfg.Bot

	balances := executor.NewBalances()
	orch := executor.NewOrchestrator(executor.Config{
		TakerFees:       takerFees,
		QuoteFloor:      bot.BalanceMinimumUSDT,
		AutoFix:         bot.AutoFixFailedOrders,
		OrderTimeout:    millis(bot.OrderTimeoutMs),
		DedupTTL:        bot.DedupTTL.Duration,
		OrderRateLimit:  a.cfg.Redis.OrderRateLimit,
		OrderRateWindow: a.cfg.Redis.OrderRateWindow.Duration,
	}, md.index, md.quality, adapters, balances, a.logger)
	if deps.RateLimiter != nil && a.cfg.Redis.OrderRateLimit > 0 {
		orch.SetRateLimiter(deps.RateLimiter)
	}
	orch.SetAlerter(deps.Notifier)

	engine := strategy.NewEngine(strategy.Config{
		Name:            bot.Strategy,
		Venues:          venues,
		Symbols:         md.index.Symbols(),
		TakerFees:       takerFees,
		RawSpreadBuffer: bot.RawSpreadBufferFraction(),
		Slippage:        bot.SlippageFraction(),
		QMin:            bot.QMinUSDT,
		QMax:            bot.QMaxUSDT,
		Cooldown:        time.Duration(bot.CooldownS * float64(time.Second)),
		Throttle:        millis(bot.ThrottleMs),
		IntentTTL:       millis(bot.IntentTTLMs),
		MaxBookAge:      millis(bot.MaxBookAgeMs),
	}, md.quality, a.logger, nil, nil)

	engineIn := make(chan domain.BookSnapshot, bot.BookBuffer)
	intents := make(chan domain.TradeIntent, bot.IntentBuffer)
	router := newBookRouter(md.books, engineIn, deps.BookCache, bot.BookBuffer, a.logger)

	exec := executor.NewExecutor(intents, sw, orch, orch.Dedup(), a.logger)
	if pipe.Intents != nil {
		exec.AddIntentSink(pipe.Intents)
	}
	exec.AddIntentSink(pipe.Publisher)
	if !live {
		exec.AddIntentSink(paper.NewIntentLog(a.logger))
	}
	if pipe.Outcomes != nil {
		exec.AddOutcomeSink(pipe.Outcomes)
	}
	exec.AddOutcomeSink(pipe.Publisher)

	counters := md.counters(router, pipe.Publisher, hub)
	if pipe.Intents != nil {
		counters.add("intents.written", func() int64 { n, _ := pipe.Intents.Stats(); return n })
		counters.add("intents.dropped", func() int64 { _, n := pipe.Intents.Stats(); return n })
	}
	if pipe.Outcomes != nil {
		counters.add("outcomes.written", func() int64 { n, _ := pipe.Outcomes.Stats(); return n })
		counters.add("outcomes.dropped", func() int64 { _, n := pipe.Outcomes.Stats(); return n })
	}

	a.startMarketData(ctx, g, md, pipe.Publisher, deps.Notifier)
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx, engineIn, intents) })
	g.Go(func() error { return pipe.Run(ctx) })
	for _, s := range sockets {
		g.Go(func() error { return s.Run(ctx) })
	}
	g.Go(func() error {
		if err := a.loadBalances(ctx, orch, md.index, adapters, sockets); err != nil {
			return err
		}
		return exec.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, hub, md.quality, sw, balances, counters)
	}
	if err := a.startConsole(ctx, g, sw, md.quality); err != nil {
		return err
	}

	err = g.Wait()
	counters.logSummary(a.logger)
	return err
}

// CollectMode runs the collectors, the quality registry and the book cache
// without any strategy execution.
func (a *App) CollectMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting collect mode")

	md, err := a.buildMarketData(a.cfg.ActiveVenues())
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	sw := control.NewSwitch(false, a.logger, nil)
	hub := a.newHub(deps)
	publisher := a.newPublisher(deps, hub)
	router := newBookRouter(md.books, nil, deps.BookCache, a.cfg.Bot.BookBuffer, a.logger)

	counters := md.counters(router, publisher, hub)

	a.startMarketData(ctx, g, md, publisher, deps.Notifier)
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error { return publisher.Run(ctx) })

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, hub, md.quality, sw, nil, counters)
	}
	if err := a.startConsole(ctx, g, sw, md.quality); err != nil {
		return err
	}

	err = g.Wait()
	counters.logSummary(a.logger)
	return err
}

// ArchiveMode runs only the archive cron.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode", slog.String("cron", a.cfg.Archive.Cron))
	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode needs a store and s3")
	}
	arch := pipeline.NewArchiver(deps.Archiver, a.logger)
	if err := arch.Backfill(ctx, a.cfg.Archive.BackfillDays); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.WarnContext(ctx, "archive backfill incomplete", slog.String("error", err.Error()))
	}
	return arch.RunCron(ctx, a.cfg.Archive.Cron)
}

// buildMarketData loads the trading rules, builds the symbol index and
// creates one collector per venue with at least one symbol.
func (a *App) buildMarketData(venues []string) (*marketData, error) {
	infos, err := rules.LoadDir(a.cfg.SymbolInfo.Dir, venues)
	if err != nil {
		return nil, fmt.Errorf("app: load symbol info: %w", err)
	}

	specs := make(map[string]rules.VenueSpec, len(venues))
	qcfg := make(map[string]quality.VenueConfig, len(venues))
	for _, v := range venues {
		ex := a.cfg.Exchanges[v]
		specs[v] = rules.VenueSpec{
			Enabled:  ex.Enabled,
			QuoteMap: ex.QuoteMap,
			Levels:   ex.Levels,
			UpdateMs: ex.UpdateMs,
		}
		qcfg[v] = quality.VenueConfig{
			Enabled: ex.Enabled,
			Warn:    millis(ex.WarnAfterMs),
			Stop:    millis(ex.StopAfterMs),
		}
	}
	index, err := rules.BuildIndex(a.cfg.Bot.Symbols, specs, infos, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: build symbol index: %w", err)
	}

	md := &marketData{
		index:   index,
		quality: quality.NewRegistry(qcfg, a.logger, nil),
		books:   make(chan domain.BookSnapshot, a.cfg.Bot.BookBuffer),
	}
	for _, v := range venues {
		keys := index.MDKeys(v)
		if len(keys) == 0 {
			a.logger.Warn("no enabled symbols, skipping collector", slog.String("venue", v))
			continue
		}
		ex := a.cfg.Exchanges[v]
		c, err := feed.NewCollector(feed.Options{
			Venue:             v,
			URL:               ex.WSURL,
			Keys:              keys,
			Levels:            ex.Levels,
			UpdateMs:          ex.UpdateMs,
			Resolver:          index,
			Out:               md.books,
			Recorder:          md.quality,
			Reconnect:         reconnectOptions(ex.Reconnect),
			HeartbeatInterval: a.cfg.Bot.StatusInterval.Duration,
			StaleAfter:        heartbeatStaleAfter,
			Logger:            a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		md.collectors = append(md.collectors, c)
	}
	if len(md.collectors) == 0 {
		return nil, fmt.Errorf("app: no venue has an enabled symbol")
	}
	return md, nil
}

// counters registers the drop counters shared by every market-data mode.
func (md *marketData) counters(router *bookRouter, publisher *pipeline.Publisher, hub *ws.Hub) *counterSet {
	c := newCounterSet()
	for _, col := range md.collectors {
		c.add("feed."+col.Venue()+".dropped", col.Dropped)
	}
	c.add("router.routed", router.routed.Load)
	c.add("router.cache_dropped", router.cacheDropped.Load)
	c.add("publisher.dropped", publisher.Dropped)
	if hub != nil {
		c.add("ws.dropped", hub.Dropped)
	}
	return c
}

// startMarketData runs the collectors and the periodic status snapshot,
// which is published on the bus and raises an alert when a venue turns STOP.
func (a *App) startMarketData(ctx context.Context, g *errgroup.Group, md *marketData, publisher *pipeline.Publisher, notifier *notify.Notifier) {
	for _, c := range md.collectors {
		g.Go(func() error { return c.Run(ctx) })
	}

	prev := make(map[string]domain.Quality)
	onSnapshot := func(snap []domain.VenueStatus) {
		publisher.PublishQuality(snap)
		for _, s := range snap {
			if was, seen := prev[s.Venue]; seen && s.Enabled &&
				s.Quality == domain.QualityBlocked && was != domain.QualityBlocked {
				a.alert(notifier, notify.EventVenueBlocked, "venue blocked: "+s.Venue, s.Reason)
			}
			prev[s.Venue] = s.Quality
		}
	}
	g.Go(func() error {
		return md.quality.Run(ctx, a.cfg.Bot.StatusInterval.Duration, onSnapshot)
	})
}

// buildAdapters returns one execution adapter per venue. Live binance
// adapters are also returned as sockets, which must be run and be open
// before balances are loaded.
func (a *App) buildAdapters(venues []string, rec *quality.Registry, live bool) ([]executor.Adapter, []*binance.Adapter, error) {
	var (
		adapters []executor.Adapter
		sockets  []*binance.Adapter
	)
	for _, v := range venues {
		if !live {
			adapters = append(adapters, paper.New(v, a.cfg.Paper.Balances[v], a.logger))
			continue
		}

		ex := a.cfg.Exchanges[v]
		creds, err := a.cfg.Credentials(v)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		if creds.Empty() {
			return nil, nil, fmt.Errorf("app: %s: no api credentials in %s/%s", v, ex.APIKeyEnv, ex.APISecretEnv)
		}
		key := v + "/exec"
		rec.Configure(key, quality.VenueConfig{Enabled: true})

		switch v {
		case config.VenueBinance:
			ad := binance.New(binance.Options{
				URL:         ex.ExecURL,
				Credentials: &creds,
				TestOrders:  ex.TestOrders,
				Reconnect:   reconnectOptions(ex.Reconnect),
				Recorder:    rec,
				RecorderKey: key,
				Logger:      a.logger,
			})
			adapters = append(adapters, ad)
			sockets = append(sockets, ad)
		case config.VenueBitget:
			adapters = append(adapters, bitget.New(bitget.Options{
				BaseURL:     ex.RESTURL,
				Credentials: &creds,
				Recorder:    rec,
				RecorderKey: key,
				Logger:      a.logger,
			}))
		default:
			return nil, nil, fmt.Errorf("app: %s has no order adapter", v)
		}
	}
	return adapters, sockets, nil
}

// loadBalances waits for the private sockets and seeds the balance snapshot.
func (a *App) loadBalances(ctx context.Context, orch *executor.Orchestrator, index *rules.Index, adapters []executor.Adapter, sockets []*binance.Adapter) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	for _, s := range sockets {
		if err := s.WaitOpen(ctx); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}
	assets := make(map[string][]string, len(adapters))
	for _, ad := range adapters {
		assets[ad.Venue()] = index.Assets(ad.Venue())
	}
	if err := orch.LoadBalances(ctx, assets); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.logger.Info("balances loaded", slog.Any("balances", orch.Balances().Snapshot()))
	return nil
}

// newHub returns the websocket hub, or nil when the server is disabled.
// With redis the hub reads the bus; without it the publisher feeds it.
func (a *App) newHub(deps *Dependencies) *ws.Hub {
	if !a.cfg.Server.Enabled {
		return nil
	}
	return ws.NewHub(deps.EventBus(), a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
}

func (a *App) newPublisher(deps *Dependencies, hub *ws.Hub) *pipeline.Publisher {
	var sinks []pipeline.EventSink
	switch {
	case deps.Bus != nil:
		sinks = append(sinks, deps.Bus)
	case hub != nil:
		sinks = append(sinks, hub)
	}
	return pipeline.NewPublisher(0, a.logger, sinks...)
}

// newPipeline wires the store writers, the publisher and, when enabled, the
// archive cron.
func (a *App) newPipeline(deps *Dependencies, publisher *pipeline.Publisher) *pipeline.Orchestrator {
	p := pipeline.NewOrchestrator(a.logger)
	opts := pipeline.WriterOptions{
		FlushInterval: a.cfg.Store.FlushInterval.Duration,
		MaxBatch:      a.cfg.Store.MaxBatch,
	}
	if deps.IntentStore != nil {
		p.Intents = pipeline.NewIntentWriter(deps.IntentStore, opts, a.logger)
	}
	if deps.OutcomeStore != nil {
		p.Outcomes = pipeline.NewOutcomeWriter(deps.OutcomeStore, opts, a.logger)
	}
	p.Publisher = publisher
	if deps.Archiver != nil && a.cfg.Archive.Enabled {
		p.Archiver = pipeline.NewArchiver(deps.Archiver, a.logger)
		p.ArchiveCron = a.cfg.Archive.Cron
	}
	return p
}

// startServer adds the HTTP server and the websocket hub to g. balances may
// be nil when nothing trades.
func (a *App) startServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	hub *ws.Hub,
	status handler.StatusSource,
	sw *control.Switch,
	balances handler.BalanceSource,
	counters handler.CounterSource,
) {
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, status, sw, balances),
		Trading: handler.NewTradingHandler(sw, a.logger),
	}
	handlers.Status.SetCounters(counters)
	if deps.IntentStore != nil && deps.OutcomeStore != nil {
		handlers.History = handler.NewHistoryHandler(deps.IntentStore, deps.OutcomeStore, a.logger)
	}

	var limiter domain.RateLimiter = middleware.NewMemoryLimiter()
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}

	srv := server.NewServer(server.Config{
		Addr:        a.cfg.Server.Addr,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, limiter, a.logger)

	if hub != nil {
		g.Go(func() error { return hub.Run(ctx) })
	}
	g.Go(func() error { return srv.Run(ctx) })
}

// startConsole adds the Telegram operator console when enabled.
func (a *App) startConsole(ctx context.Context, g *errgroup.Group, sw *control.Switch, status notify.StatusSource) error {
	if !a.cfg.Notify.ConsoleEnabled {
		return nil
	}
	console, err := notify.NewConsole(notify.ConsoleOptions{
		BaseURL:    notify.TelegramAPIBase,
		Token:      a.cfg.Notify.TelegramToken,
		AllowedIDs: a.cfg.Notify.TelegramAllowedUserIDs,
	}, sw, status, a.logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	g.Go(func() error { return console.Run(ctx) })
	return nil
}

func (a *App) alertStateChange(n *notify.Notifier, st domain.TradingState) {
	if st.Enabled {
		a.alert(n, notify.EventTradingEnabled, "trading enabled", "trading resumed")
		return
	}
	a.alert(n, notify.EventTradingDisabled, "trading disabled",
		fmt.Sprintf("disabled by %s: %s", st.DisabledBy, st.DisabledReason))
}

// alert sends off the caller's goroutine; delivery failures are logged.
func (a *App) alert(n *notify.Notifier, event, title, message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := n.Notify(ctx, event, title, message); err != nil {
			a.logger.Warn("alert delivery failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func reconnectOptions(rc config.ReconnectConfig) wsconn.Options {
	return wsconn.Options{
		BaseDelay:    rc.BaseDelay.Duration,
		MaxDelay:     rc.MaxDelay.Duration,
		Factor:       rc.Factor,
		JitterPct:    rc.JitterPct / 100,
		StaleTimeout: rc.StaleTimeout.Duration,
	}
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
