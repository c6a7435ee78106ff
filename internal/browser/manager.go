// Package browser owns the headless browser process and the per-identity
// contexts driving the upstream web editor. Activation brings an identity
// from cold persisted state to "the in-page agent is connected": context
// creation with state restore and a stealth first-run script, navigation,
// error-page diagnostics, popup dismissal, agent injection, and finally the
// health monitor and wake loop that keep the page alive.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	log "github.com/sirupsen/logrus"

	"github.com/studioproxy/StudioProxyAPI/internal/authstore"
	"github.com/studioproxy/StudioProxyAPI/internal/config"
	"github.com/studioproxy/StudioProxyAPI/internal/wsbridge"
)

const (
	appHost     = "aistudio.google.com"
	blankAppURL = "https://aistudio.google.com/apps"

	socketWait = 10 * time.Second
)

// Post-navigation diagnostics.
var (
	ErrCredentialExpired = errors.New("credential expired: redirected to login")
	ErrRegionBlocked     = errors.New("upstream not available in this region")
	ErrForbidden         = errors.New("upstream returned 403")
	ErrLoadFailed        = errors.New("page failed to load")
	ErrPageNotFound      = errors.New("saved app link returned 404")
)

// ActivationFailed reports which stage of identity activation gave up.
type ActivationFailed struct {
	Stage string
	Err   error
}

func (e *ActivationFailed) Error() string {
	return fmt.Sprintf("activation failed at stage %q: %v", e.Stage, e.Err)
}

func (e *ActivationFailed) Unwrap() error { return e.Err }

// session is the live state of one activated identity.
type session struct {
	identity *authstore.Identity
	context  *rod.Browser
	page     *rod.Page
	stop     chan struct{}
	wake     *wakeLoop
}

// Manager drives the single browser process and its per-identity contexts.
type Manager struct {
	cfg      *config.Config
	store    *authstore.Store
	registry *wsbridge.Registry

	mu      sync.Mutex
	browser *rod.Browser
	current *session
}

// NewManager builds a fleet manager. The browser process is launched lazily
// on the first activation.
func NewManager(cfg *config.Config, store *authstore.Store, registry *wsbridge.Registry) *Manager {
	return &Manager{cfg: cfg, store: store, registry: registry}
}

// Started reports whether the browser process has been launched.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// CurrentIdentity returns the index of the active identity, or -1.
func (m *Manager) CurrentIdentity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return -1
	}
	return m.current.identity.Index
}

// LaunchOrSwitchContext activates an identity: launches the browser if
// needed, saves and tears down the outgoing identity, then runs the
// activation sequence for the incoming one. On success the identity's agent
// socket is registered and the keep-alive loops are running.
func (m *Manager) LaunchOrSwitchContext(ctx context.Context, id *authstore.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureBrowserLocked(); err != nil {
		return &ActivationFailed{Stage: "launch", Err: err}
	}
	m.teardownCurrentLocked()

	sess, err := m.activateLocked(ctx, id)
	if err != nil {
		return err
	}
	m.current = sess

	// Agent is live: persist the refreshed state and start the loops.
	if errSave := m.saveSessionState(sess); errSave != nil {
		log.Warnf("failed to save state for identity %d: %v", id.Index, errSave)
	}
	go m.healthMonitor(sess)
	sess.wake = newWakeLoop(sess.page, sess.stop)
	go sess.wake.run()

	log.Infof("identity %d activated", id.Index)
	return nil
}

// NotifyUserActivity wakes the current page's wake loop so an inbound
// request is not delayed by its idle backoff.
func (m *Manager) NotifyUserActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.wake != nil {
		m.current.wake.notify()
	}
}

// SaveCurrentState persists the active identity's refreshed cookies and
// storage. No-op when nothing is active.
func (m *Manager) SaveCurrentState() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.saveSessionState(m.current)
}

// Shutdown tears down the active context and the browser process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownCurrentLocked()
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			log.Warnf("browser close: %v", err)
		}
		m.browser = nil
	}
}

func (m *Manager) ensureBrowserLocked() error {
	if m.browser != nil {
		return nil
	}
	controlURL, err := newLauncher(m.cfg).Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err = b.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	m.browser = b
	log.Info("browser process launched")
	return nil
}

func (m *Manager) teardownCurrentLocked() {
	sess := m.current
	if sess == nil {
		return
	}
	m.current = nil
	close(sess.stop)
	if err := m.saveSessionState(sess); err != nil {
		log.Warnf("failed to save outgoing state for identity %d: %v", sess.identity.Index, err)
	}
	if err := (proto.TargetDisposeBrowserContext{BrowserContextID: sess.context.BrowserContextID}).Call(m.browser); err != nil {
		log.Warnf("failed to dispose context for identity %d: %v", sess.identity.Index, err)
	}
}

// activateLocked performs the navigation-through-injection stages. A saved
// deep link that 404s is cleared and the sequence restarts from the blank
// app URL.
func (m *Manager) activateLocked(ctx context.Context, id *authstore.Identity) (*session, error) {
	allowDeepLink := true
	for {
		sess, err := m.openIdentityPage(ctx, id, allowDeepLink)
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, ErrPageNotFound) && allowDeepLink {
			log.Warnf("identity %d deep link 404ed, clearing and retrying from blank app", id.Index)
			if errClear := m.store.ClearAppURL(id); errClear != nil {
				log.Warnf("failed to clear deep link for identity %d: %v", id.Index, errClear)
			}
			allowDeepLink = false
			continue
		}
		return nil, err
	}
}

func (m *Manager) openIdentityPage(ctx context.Context, id *authstore.Identity, allowDeepLink bool) (*session, error) {
	browserCtx, err := m.browser.Incognito()
	if err != nil {
		return nil, &ActivationFailed{Stage: "context", Err: err}
	}
	sess := &session{identity: id, context: browserCtx, stop: make(chan struct{})}
	dispose := func() {
		_ = (proto.TargetDisposeBrowserContext{BrowserContextID: browserCtx.BrowserContextID}).Call(m.browser)
	}

	page, err := browserCtx.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		dispose()
		return nil, &ActivationFailed{Stage: "page", Err: err}
	}
	sess.page = page

	if _, err = page.EvalOnNewDocument(StealthScript(id.Seed())); err != nil {
		dispose()
		return nil, &ActivationFailed{Stage: "stealth", Err: err}
	}
	if err = m.restoreState(page, id); err != nil {
		dispose()
		return nil, &ActivationFailed{Stage: "restore", Err: err}
	}

	usingDeepLink := allowDeepLink && id.State.AppURL != ""
	target := blankAppURL
	if usingDeepLink {
		target = id.State.AppURL
	}

	if err = page.Context(ctx).Timeout(60 * time.Second).Navigate(target); err != nil {
		dispose()
		return nil, &ActivationFailed{Stage: "navigate", Err: err}
	}
	_ = page.Timeout(60 * time.Second).WaitLoad()
	wakePage(page)
	time.Sleep(time.Duration(2000+rand.Intn(2000)) * time.Millisecond)

	if err = diagnosePage(page, usingDeepLink); err != nil {
		dispose()
		if errors.Is(err, ErrPageNotFound) {
			return nil, err
		}
		if errors.Is(err, ErrCredentialExpired) {
			if errClear := m.store.ClearAppURL(id); errClear != nil {
				log.Warnf("failed to clear deep link for identity %d: %v", id.Index, errClear)
			}
		}
		return nil, &ActivationFailed{Stage: "diagnose", Err: err}
	}

	dismissPopups(page)

	if err = m.injectAgent(ctx, sess); err != nil {
		dispose()
		return nil, err
	}

	sock := m.registry.WaitForSocket(id.Index, socketWait)
	if sock == nil {
		dispose()
		return nil, &ActivationFailed{Stage: "socket", Err: fmt.Errorf("agent socket for identity %d did not connect", id.Index)}
	}
	if m.cfg.Debug {
		if err = sock.SendJSON(wsbridge.LogLevelFrame("debug")); err != nil {
			log.Debugf("set_log_level send: %v", err)
		}
	}
	return sess, nil
}

// restoreState preloads the page with the identity's persisted cookies and a
// first-run script that repopulates localStorage for matching origins.
func (m *Manager) restoreState(page *rod.Page, id *authstore.Identity) error {
	if len(id.State.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(id.State.Cookies))
		for _, c := range id.State.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  proto.TimeSinceEpoch(c.Expires),
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: proto.NetworkCookieSameSite(c.SameSite),
			})
		}
		if err := page.SetCookies(params); err != nil {
			return fmt.Errorf("failed to restore cookies: %w", err)
		}
	}

	if len(id.State.Origins) > 0 {
		data, err := json.Marshal(id.State.Origins)
		if err != nil {
			return fmt.Errorf("failed to encode origins: %w", err)
		}
		script := fmt.Sprintf(`(() => {
  const origins = %s;
  for (const o of origins) {
    if (o.origin !== location.origin) continue;
    for (const item of (o.localStorage || [])) {
      try { localStorage.setItem(item.name, item.value); } catch (e) {}
    }
  }
})();`, data)
		if _, err = page.EvalOnNewDocument(script); err != nil {
			return fmt.Errorf("failed to install storage restore: %w", err)
		}
	}
	return nil
}

// saveSessionState exports the live cookies and the current origin's
// localStorage back into the identity's persisted state.
func (m *Manager) saveSessionState(sess *session) error {
	if !m.cfg.EnableAuthUpdate {
		return nil
	}
	cookies, err := sess.page.Cookies(nil)
	if err != nil {
		return fmt.Errorf("failed to export cookies: %w", err)
	}
	exported := make([]authstore.Cookie, 0, len(cookies))
	for _, c := range cookies {
		exported = append(exported, authstore.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	sess.identity.State.Cookies = exported

	res, err := sess.page.Timeout(10 * time.Second).Eval(`() => {
  const items = [];
  for (let i = 0; i < localStorage.length; i++) {
    const key = localStorage.key(i);
    items.push({ name: key, value: localStorage.getItem(key) });
  }
  return { origin: location.origin, localStorage: items };
}`)
	if err != nil {
		log.Debugf("localStorage export skipped: %v", err)
	} else {
		var origin authstore.Origin
		if errDecode := json.Unmarshal([]byte(res.Value.JSON("", "")), &origin); errDecode == nil && origin.Origin != "" {
			replaced := false
			for i := range sess.identity.State.Origins {
				if sess.identity.State.Origins[i].Origin == origin.Origin {
					sess.identity.State.Origins[i] = origin
					replaced = true
					break
				}
			}
			if !replaced {
				sess.identity.State.Origins = append(sess.identity.State.Origins, origin)
			}
		}
	}
	return m.store.Save(sess.identity)
}

// wakePage brings the page forward and performs a human-like wiggle: a move
// to a random point then a near-origin click.
func wakePage(page *rod.Page) {
	if _, err := page.Activate(); err != nil {
		log.Debugf("page activate: %v", err)
	}
	point := proto.Point{X: float64(100 + rand.Intn(800)), Y: float64(100 + rand.Intn(500))}
	_ = page.Mouse.MoveTo(point)
	_ = page.Mouse.MoveTo(proto.Point{X: 1, Y: 1})
	_ = page.Mouse.Down(proto.InputMouseButtonLeft, 1)
	_ = page.Mouse.Up(proto.InputMouseButtonLeft, 1)
}

// diagnosePage classifies post-navigation failure pages.
func diagnosePage(page *rod.Page, usedDeepLink bool) error {
	info, err := page.Info()
	if err != nil {
		return ErrLoadFailed
	}
	url := info.URL
	if url == "" || url == "about:blank" {
		return ErrLoadFailed
	}
	if strings.Contains(url, "accounts.google.com") {
		return ErrCredentialExpired
	}

	res, err := page.Timeout(5 * time.Second).Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return nil
	}
	text := res.Value.Str()
	switch {
	case strings.Contains(text, "not available in your country") ||
		strings.Contains(text, "not available in your region"):
		return ErrRegionBlocked
	case strings.Contains(text, "403") && strings.Contains(text, "Forbidden"):
		return ErrForbidden
	case usedDeepLink && (strings.Contains(text, "404") || strings.Contains(text, "Page not found")):
		return ErrPageNotFound
	}
	return nil
}

// dismissPopups short-polls for first-visit popups (consent, tutorial,
// informational) for at least 3 s and at most 6 s, exiting early after four
// consecutive idle polls.
func dismissPopups(page *rod.Page) {
	start := time.Now()
	idle := 0
	for {
		if clickDismissButtons(page) {
			idle = 0
		} else {
			idle++
		}
		elapsed := time.Since(start)
		if elapsed >= 6*time.Second || (elapsed >= 3*time.Second && idle >= 4) {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

var dismissLabels = []string{
	"Got it", "Dismiss", "Not now", "No thanks", "Close", "OK",
	"Accept all", "I agree", "Skip", "Reload", "Retry",
}

// clickDismissButtons removes modal backdrops and clicks any visible button
// matching the known dismiss labels. Returns true when something was clicked.
func clickDismissButtons(page *rod.Page) bool {
	removeBackdrops(page)
	res, err := page.Timeout(3*time.Second).Eval(`(labels) => {
  let clicked = 0;
  const controls = document.querySelectorAll('button, [role="button"], [aria-label="Close"]');
  for (const control of controls) {
    const text = (control.innerText || control.getAttribute('aria-label') || '').trim();
    if (control.offsetParent !== null && labels.some((l) => text === l)) {
      control.click();
      clicked++;
    }
  }
  return clicked;
}`, dismissLabels)
	if err != nil {
		return false
	}
	return res.Value.Int() > 0
}

func removeBackdrops(page *rod.Page) {
	_, _ = page.Timeout(3 * time.Second).Eval(`() => {
  document.querySelectorAll('.cdk-overlay-backdrop, .modal-backdrop').forEach((e) => e.remove());
}`)
}
