package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

// RunMode selects how far a run goes after login.
type RunMode int

const (
	// RunScrape logs in, triggers the latest bill download and extracts records.
	RunScrape RunMode = iota
	// RunLoginOnly stops once the account page has been reloaded.
	RunLoginOnly
)

// SessionLauncher produces a ready session with interception armed.
type SessionLauncher interface {
	Launch(ctx context.Context, sess SessionConfig) (*Session, error)
}

type Automation struct {
	config   *Config
	session  SessionConfig
	log      *zap.Logger
	launcher SessionLauncher
	current  *Session
}

func NewAutomation(config *Config, log *zap.Logger) *Automation {
	return &Automation{
		config:   config,
		session:  config.Session(),
		log:      log,
		launcher: &rodLauncher{config: config, log: log},
	}
}

// Close tears down the current session. It is safe to call more than once.
func (a *Automation) Close() {
	if a.current == nil {
		return
	}

	a.log.Info(T("cleaning_up"))
	if err := a.current.Close(); err != nil {
		a.log.Warn(T("teardown_error"), zap.Error(err))
	}
	a.current = nil
	a.log.Info(T("browser_destroyed"))
}

// Run executes one orchestration: launch, login, and for RunScrape the
// download trigger and extraction. Teardown happens on every return path and
// any failure after launch is reported with a diagnostic screenshot first.
func (a *Automation) Run(ctx context.Context, mode RunMode) (records []BillRecord, err error) {
	if a.current != nil {
		return nil, errors.New("automation already has an active session")
	}

	a.log.Info(T("browser_launching"))
	session, err := a.launcher.Launch(ctx, a.session)
	if err != nil {
		a.log.Error(T("launch_failed"), zap.Error(err))
		return nil, err
	}
	a.current = session
	a.log.Info(T("browser_launched"))

	defer a.Close()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected failure: %v", r)
		}
		if err != nil {
			records = nil
			a.reportFailure(ctx, session.Page, err)
		}
	}()

	if err := a.Login(ctx, session.Page); err != nil {
		return nil, err
	}
	if mode == RunLoginOnly {
		return nil, nil
	}

	return a.scrape(ctx, session.Page)
}

func (a *Automation) scrape(ctx context.Context, page Page) ([]BillRecord, error) {
	timing := a.config.Timing
	sel := a.config.Selectors

	a.log.Info(T("download_triggering"))
	if err := page.Click(ctx, sel.DownloadTrigger, timing.ActionTimeout); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtraction,
			&StageTimeoutError{Stage: StageReloaded, Selector: sel.DownloadTrigger, Err: err})
	}
	if err := sleepContext(ctx, timing.DownloadSettle); err != nil {
		return nil, err
	}

	html, err := page.DocumentHTML(ctx, timing.ActionTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: read document: %w", ErrExtraction, err)
	}

	records, err := ExtractBills(html, sel, a.log)
	if err != nil {
		return nil, err
	}
	a.log.Info(T("bills_extracted"), zap.Int("count", len(records)))

	if err := page.Screenshot(ctx, a.config.Artifacts.FinalScreenshot); err != nil {
		a.log.Warn(T("screenshot_failed"),
			zap.Error(&ScreenshotError{Path: a.config.Artifacts.FinalScreenshot, Err: err}))
	} else {
		a.log.Info(T("screenshot_saved"), zap.String("path", a.config.Artifacts.FinalScreenshot))
	}

	return records, nil
}

// reportFailure logs cause and captures the error screenshot. A failed capture
// is logged on its own and never replaces cause.
func (a *Automation) reportFailure(ctx context.Context, page Page, cause error) {
	fields := []zap.Field{zap.Error(cause)}
	var loginErr *LoginError
	if errors.As(cause, &loginErr) {
		fields = append(fields, zap.String("failure", loginErr.Tag()), zap.Int("attempts", loginErr.Attempts))
	}
	a.log.Error(T("run_failed"), fields...)

	if page == nil {
		return
	}
	// The run context may be what failed; the capture gets its own.
	shotCtx := context.WithoutCancel(ctx)
	path := a.config.Artifacts.ErrorScreenshot
	if err := page.Screenshot(shotCtx, path); err != nil {
		a.log.Warn(T("screenshot_failed"), zap.Error(&ScreenshotError{Path: path, Err: err}))
		return
	}
	a.log.Info(T("screenshot_saved"), zap.String("path", path))
}

type rodLauncher struct {
	config *Config
	log    *zap.Logger
}

func (l *rodLauncher) Launch(ctx context.Context, sess SessionConfig) (session *Session, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	// Disable leakless mode on Windows to prevent deadlock
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	lnch := launcher.New().
		Leakless(useLeakless).
		Headless(l.config.Headless).
		NoSandbox(true).
		Set("disable-setuid-sandbox").
		Set("disable-infobars").
		Set("disable-dev-shm-usage")

	if l.config.BrowserProfilePath != "" {
		lnch = lnch.UserDataDir(l.config.BrowserProfilePath)
		l.log.Debug(T("browser_profile_path_set"), zap.String("path", l.config.BrowserProfilePath))
	}
	if l.config.ProxyServer != "" {
		lnch = lnch.Proxy(l.config.ProxyServer)
	}
	if chromePath, ok := launcher.LookPath(); ok {
		lnch = lnch.Bin(chromePath)
		l.log.Info(T("browser_using_system_chrome"), zap.String("path", chromePath))
	} else {
		l.log.Info(T("browser_chrome_not_found"))
	}

	controlURL, err := lnch.Launch()
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "ProcessSingleton") || strings.Contains(msg, "SingletonLock") {
			l.log.Error(T("error_chrome_already_running"))
		}
		return nil, &LaunchError{Op: "start browser", Err: err}
	}
	closers = append(closers, func() error {
		lnch.Cleanup()
		return nil
	})

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, &LaunchError{Op: "connect", Err: err}
	}
	closers = append(closers, browser.Close)

	var page *rod.Page
	if l.config.Stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, &LaunchError{Op: "create page", Err: err}
	}
	closers = append(closers, page.Close)

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: sess.UserAgent}); err != nil {
		return nil, &LaunchError{Op: "set user agent", Err: err}
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             sess.Viewport.Width,
		Height:            sess.Viewport.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, &LaunchError{Op: "set viewport", Err: err}
	}

	spoofer, err := NewLocationSpoofer(sess.Location, l.log)
	if err != nil {
		return nil, &LaunchError{Op: "build location spoof", Err: err}
	}
	stop, err := spoofer.Arm(page)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() error {
		stop()
		return nil
	})

	return NewSession(&rodPage{page: page}, closers...), nil
}
